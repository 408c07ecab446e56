// Package config loads the server and client runtime configuration from
// the environment, following the envconfig struct-tag style used
// throughout the teacher's pkg/config.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerConfig configures a shift-server process.
type ServerConfig struct {
	SocketPath string `envconfig:"SHIFT_SOCKET_PATH" default:"/run/shift/shift.sock"`

	// RenderNodes lists candidate DRM render node paths in search order.
	// Nothing in this module opens or searches them; the GPU backend is
	// chosen from the pkg/gpu registry.
	RenderNodes []string `envconfig:"SHIFT_RENDER_NODE" default:"/dev/dri/renderD128"`

	AdminToken string `envconfig:"SHIFT_ADMIN_TOKEN"`

	Trace bool `envconfig:"SHIFT_TRACE" default:"false"`

	// DebugFDGuard enables the renderer core's periodic open-fd count
	// check; DebugFDGuardLimit is the threshold it compares against.
	DebugFDGuard      bool `envconfig:"SHIFT_DEBUG_FD_GUARD" default:"false"`
	DebugFDGuardLimit int  `envconfig:"SHIFT_DEBUG_FD_GUARD_LIMIT" default:"512"`

	// DebugAutoSwitch creates a second Normal session at startup and
	// switches to it automatically after DebugAutoSwitchAfter, so the
	// switch path can be exercised without a second real client.
	DebugAutoSwitch      bool          `envconfig:"SHIFT_DEBUG_AUTO_SWITCH" default:"false"`
	DebugAutoSwitchAfter time.Duration `envconfig:"SHIFT_DEBUG_AUTO_SWITCH_AFTER" default:"5s"`

	AckTimeout   time.Duration `envconfig:"SHIFT_ACK_TIMEOUT" default:"250ms"`
	TickInterval time.Duration `envconfig:"SHIFT_TICK_INTERVAL" default:"50ms"`
}

// LoadServerConfig reads a ServerConfig from the environment.
func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// RenderMode is a string form of client.RenderMode for envconfig decoding,
// since client.RenderMode is an int enum with no text decoding of its own.
type RenderMode string

const (
	RenderModeEager     RenderMode = "eager"
	RenderModeScheduled RenderMode = "scheduled"
)

// ClientConfig configures a client runtime connection.
type ClientConfig struct {
	SocketPath   string     `envconfig:"SHIFT_SOCKET_PATH" default:"/run/shift/shift.sock"`
	SessionToken string     `envconfig:"SHIFT_SESSION_TOKEN"`
	RenderNode   string     `envconfig:"SHIFT_RENDER_NODE" default:"/dev/dri/renderD128"`
	RenderMode   RenderMode `envconfig:"SHIFT_RENDER_MODE" default:"eager"`
	Trace        bool       `envconfig:"SHIFT_TRACE" default:"false"`
}

// LoadClientConfig reads a ClientConfig from the environment.
func LoadClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}
