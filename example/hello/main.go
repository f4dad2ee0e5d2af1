// Command hello is a relay worker: it connects to the supervisor socket given
// as its last argument and answers {"name":N} requests with {"hello":N}.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Zereker/relay"
	"github.com/Zereker/relay/internal/hello"
	"github.com/Zereker/relay/internal/logging"
)

func newRootCmd() *cobra.Command {
	var (
		connectTimeout time.Duration
		identity       string
		logLevel       string
	)

	cmd := &cobra.Command{
		Use:          "hello <socket>",
		Short:        "relay hello worker",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := relay.ParseIdentityEncoding(identity)
			if err != nil {
				return err
			}

			zl, err := logging.New(logging.Options{Level: logLevel})
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, args[0], connectTimeout,
				relay.IdentityEncodingOption(enc),
				relay.LoggerOption(relay.NewZapLogger(zl.With(zap.Int("pid", os.Getpid())))),
			)
		},
	}

	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "how long to wait for the supervisor socket")
	cmd.Flags().StringVar(&identity, "identity", "uint32", "identity encoding (uint32, decimal, header)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	return cmd
}

// serve answers requests until the supervisor closes the socket.
func serve(ctx context.Context, socket string, connectTimeout time.Duration, opts ...relay.Option) error {
	ch, err := relay.Connect(socket, connectTimeout, opts...)
	if err != nil {
		return err
	}

	err = ch.Serve(ctx, hello.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
