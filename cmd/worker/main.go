package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var sourcesFile string

	root := &cobra.Command{
		Use:           "rextrack-worker",
		Short:         "Multi-camera ingestion, tracking and OSC output worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&sourcesFile, "sources", "s", "", "Sources file (YAML or TOML); defaults to SOURCES_FILE")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), sourcesFile)
		},
	}
	root.AddCommand(serve)
	root.RunE = serve.RunE

	var checkTimeout string
	check := &cobra.Command{
		Use:     "check <uri>",
		Short:   "Open a stream and wait for its first frame",
		Example: "  rextrack-worker check rtsp://10.0.0.12:554/stream1",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), args[0], checkTimeout)
		},
	}
	check.Flags().StringVar(&checkTimeout, "timeout", "", "Probe timeout, e.g. 5s; defaults to CONNECT_TIMEOUT")
	root.AddCommand(check)

	sources := &cobra.Command{
		Use:   "sources",
		Short: "Validate the sources file and print each source's resolved settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSources(cmd.OutOrStdout(), sourcesFile)
		},
	}
	root.AddCommand(sources)

	return root
}
