package relay

import (
	"time"
)

// Default configuration values.
const (
	// defaultMaxPackageLength is the default maximum payload of a single frame (64MB).
	defaultMaxPackageLength = 64 * 1024 * 1024
	// defaultHandshakeTimeout bounds how long the server waits for an Identity frame.
	defaultHandshakeTimeout = 100 * time.Millisecond
	// defaultHandshakeWorkers bounds concurrent handshakes on the server.
	defaultHandshakeWorkers = 64
)

// options holds the configuration for a channel.
type options struct {
	logger   Logger
	identity IdentityEncoding

	pid           Pid    // announced identity, defaults to os.Getpid()
	maxReadLength uint64 // maximum payload of a single frame
}

// Option is a function that configures channel options.
type Option func(*options)

// checkOptions sets default values for channel options.
func checkOptions(opts *options) {
	if opts.maxReadLength == 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.pid == 0 {
		opts.pid = currentPid()
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// MessageMaxSize returns an Option that sets the maximum payload size.
// Frames declaring a larger payload are rejected with a *ProtocolError.
func MessageMaxSize(size uint64) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// IdentityEncodingOption returns an Option that sets how the pid is encoded
// in the Identity frame. It must match the supervisor's setting.
func IdentityEncodingOption(e IdentityEncoding) Option {
	return func(o *options) {
		o.identity = e
	}
}

// PidOption returns an Option that overrides the announced pid.
// Useful when the connecting process is a wrapper around the real worker.
func PidOption(pid Pid) Option {
	return func(o *options) {
		o.pid = pid
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
