// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/momentics/mwrs"
)

// Config holds the server-side tunables.
type Config struct {
	// Name is the rendezvous name; clients dial mwrs_<Name>.
	Name string

	// SocketPath overrides the rendezvous path derived from Name.
	SocketPath string

	// SessionsPerWorker caps the sessions one worker multiplexes before
	// the accept loop spawns another worker.
	SessionsPerWorker int

	// Backlog is the listen(2) backlog.
	Backlog int

	Logger pslog.Logger

	// Registerer receives the server's metric collectors; nil disables
	// metrics registration.
	Registerer prometheus.Registerer
}

// DefaultConfig returns sensible defaults for name.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:              name,
		SessionsPerWorker: 16,
		Backlog:           128,
		Logger:            pslog.NoopLogger(),
	}
}

func (c *Config) normalize() error {
	if !mwrs.ValidServerName(c.Name) {
		return mwrs.StatusArgs
	}
	if c.SocketPath == "" {
		c.SocketPath = mwrs.SocketPath(c.Name)
	}
	if c.SessionsPerWorker <= 0 {
		c.SessionsPerWorker = 16
	}
	if c.Backlog <= 0 {
		c.Backlog = 128
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	return nil
}
