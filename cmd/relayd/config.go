package main

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Zereker/relay"
)

type config struct {
	Socket           string
	HTTPListen       string
	Worker           []string
	Workers          int
	LinkTimeout      time.Duration
	StopGrace        time.Duration
	HandshakeTimeout time.Duration
	Identity         relay.IdentityEncoding
	MaxPayload       uint64
	LogLevel         string
	LogDir           string
}

func addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("socket", "/tmp/relay.sock", "Unix socket path workers connect to")
	flags.String("http-listen", "127.0.0.1:3000", "address of the HTTP gateway")
	flags.String("worker", "", "worker command line; the socket path is appended")
	flags.Int("workers", 4, "number of worker processes")
	flags.Duration("link-timeout", 2*time.Second, "how long a worker may take to connect")
	flags.Duration("stop-grace", time.Second, "how long a worker may take to exit on shutdown before it is killed")
	flags.Duration("handshake-timeout", 100*time.Millisecond, "how long a connection may take to identify itself")
	flags.String("identity", "uint32", "identity encoding (uint32, decimal, header)")
	flags.Uint64("max-payload", 64<<20, "largest response payload accepted from a worker, in bytes")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-dir", "", "also write rotated logs to this directory")
}

// initConfig loads env files and maps RELAY_* variables onto flags.
func initConfig(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Socket:           v.GetString("socket"),
		HTTPListen:       v.GetString("http-listen"),
		Worker:           strings.Fields(v.GetString("worker")),
		Workers:          v.GetInt("workers"),
		LinkTimeout:      v.GetDuration("link-timeout"),
		StopGrace:        v.GetDuration("stop-grace"),
		HandshakeTimeout: v.GetDuration("handshake-timeout"),
		MaxPayload:       v.GetUint64("max-payload"),
		LogLevel:         v.GetString("log-level"),
		LogDir:           v.GetString("log-dir"),
	}

	identity, err := relay.ParseIdentityEncoding(v.GetString("identity"))
	if err != nil {
		return config{}, err
	}
	cfg.Identity = identity

	switch {
	case cfg.Socket == "":
		return config{}, errors.New("socket path is required")
	case len(cfg.Worker) == 0:
		return config{}, errors.New("worker command is required (--worker or RELAY_WORKER)")
	case cfg.Workers <= 0:
		return config{}, errors.Errorf("workers must be positive, got %d", cfg.Workers)
	case cfg.StopGrace < 0:
		return config{}, errors.Errorf("stop-grace must not be negative, got %s", cfg.StopGrace)
	}
	return cfg, nil
}
