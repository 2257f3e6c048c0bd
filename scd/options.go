package scd

import (
	"log/slog"

	"github.com/jmcleod/ironcard/pincache"
)

// DefaultProgram is the card daemon started when no program is configured.
const DefaultProgram = "scdaemon"

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithProgram sets the card daemon executable.
func WithProgram(program string) Option {
	return func(s *Supervisor) {
		s.program = program
	}
}

// WithHomeDir passes a non-default home directory to the daemon. An empty
// dir means the daemon's own default.
func WithHomeDir(dir string) Option {
	return func(s *Supervisor) {
		s.homeDir = dir
	}
}

// WithDisabled turns every card operation into errcode.ErrNotSupported.
func WithDisabled(disabled bool) Option {
	return func(s *Supervisor) {
		s.disabled = disabled
	}
}

// WithEventSignal asks a freshly started daemon to send sig whenever card
// status changes. Zero disables the request.
func WithEventSignal(sig int) Option {
	return func(s *Supervisor) {
		s.eventSignal = sig
	}
}

// WithUseAuth makes PKSign issue PKAUTH instead of PKSIGN.
func WithUseAuth(useAuth bool) Option {
	return func(s *Supervisor) {
		s.useAuth = useAuth
	}
}

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		s.launcher = l
	}
}

// WithDialer replaces the dialer used for secondary connections.
func WithDialer(d Dialer) Option {
	return func(s *Supervisor) {
		s.dialer = d
	}
}

// WithCache sets the PIN cache filled from PINCACHE_PUT status lines.
func WithCache(c *pincache.Cache) Option {
	return func(s *Supervisor) {
		s.cache = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}
