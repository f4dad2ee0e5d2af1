// Command relayd supervises a pool of relay workers and serves them over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is the relayd release.
const Version = "0.1.0"

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relayd",
		Short: "supervise relay workers",
		Long: fmt.Sprintf(`relayd (v%s)

Starts a pool of worker processes that connect back over a Unix domain socket
and serves them on HTTP. Every flag can also be set through the environment
as RELAY_<FLAG> (e.g. RELAY_HTTP_LISTEN=0.0.0.0:3000); .env and .env.local
are loaded from the working directory.`, Version),
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of relayd",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("relayd v%s\n", Version)
		},
	})

	addFlags(cmd)
	return cmd
}

func main() {
	v := viper.New()
	cobra.OnInitialize(func() { initConfig(v) })

	if err := newRootCmd(v).Execute(); err != nil {
		os.Exit(1)
	}
}
