/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements one-to-one voice and video calls signalled
// over Matrix room events and carried over WebRTC.
package calling

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrix-community/matrix-voip-go/matrixsdk"
)

// PluginName is the name of this plugin
const PluginName = "calling"

// Config holds the configuration for the calling plugin.
type Config struct {
	// Messenger sends outbound call signalling. Required; the top-level
	// client wires it to the rooms plugin.
	Messenger RoomMessenger

	// PipelineFactory builds the media layer for each call. Defaults to
	// the pion-backed NewMediaEngine.
	PipelineFactory PipelineFactory

	// Media is the pipeline template: capture sources, sinks and tuning.
	Media *MediaConfig

	// InviteLifetime is the invite validity window. Defaults to 60s.
	InviteLifetime time.Duration

	// Registerer receives the call metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	Clock  clock.Clock
	Logger matrixsdk.Logger
}

// DefaultConfig returns the default configuration for the calling plugin.
func DefaultConfig() *Config {
	return &Config{
		PipelineFactory: NewMediaEngine,
		InviteLifetime:  defaultInviteLifetime,
	}
}

// Client is the calling API client.
type Client struct {
	core    *matrixsdk.Client
	config  *Config
	Manager *CallManager
}

// New creates a new calling plugin.
func New(core *matrixsdk.Client, config *Config) (*Client, error) {
	if core == nil {
		return nil, fmt.Errorf("calling: core client is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PipelineFactory == nil {
		config.PipelineFactory = NewMediaEngine
	}

	var metrics *Metrics
	if config.Registerer != nil {
		metrics = NewMetrics(config.Registerer)
	}

	manager, err := NewCallManager(&ManagerConfig{
		UserID:          core.UserID,
		Messenger:       config.Messenger,
		TurnSource:      NewTurnSource(core),
		PipelineFactory: config.PipelineFactory,
		Media:           config.Media,
		InviteLifetime:  config.InviteLifetime,
		Clock:           config.Clock,
		Logger:          config.Logger,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		core:    core,
		config:  config,
		Manager: manager,
	}, nil
}

// Name returns the plugin name.
func (c *Client) Name() string {
	return PluginName
}
