package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/momomojo/portalclient"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "portalctl",
		Short:         "portalctl - call the portal API through the resilient client",
		Version:       portalclient.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := &requestFlags{}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.baseURL, "base-url", "", "API base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.token, "token", "", "static bearer token")
	rootCmd.PersistentFlags().StringVar(&flags.refreshToken, "refresh-token", "", "session refresh token")
	rootCmd.PersistentFlags().StringVar(&flags.refreshURL, "refresh-url", "", "session refresh endpoint")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	for _, method := range []string{"get", "post", "put", "patch", "delete"} {
		rootCmd.AddCommand(requestCmd(method, flags))
	}
	rootCmd.AddCommand(serveFakeCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), portalclient.GetVersion())
		},
	}
}
