// File: server/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"
)

// Option mutates the configuration during New.
type Option func(*Config)

// WithLogger installs a structured logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithSocketPath overrides the rendezvous path derived from the name.
func WithSocketPath(path string) Option {
	return func(c *Config) { c.SocketPath = path }
}

// WithSessionsPerWorker tunes the per-worker session cap.
func WithSessionsPerWorker(n int) Option {
	return func(c *Config) { c.SessionsPerWorker = n }
}

// WithMetrics registers the server's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = reg }
}
