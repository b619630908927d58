package main

import (
	"io"

	"github.com/opd-ai/fileferry/config"
	"github.com/spf13/cobra"
)

// app carries state shared by every subcommand.
type app struct {
	cfgPath   string
	logLevel  string
	logFormat string
	logFile   string

	cfg       *config.Config
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "fileferry",
		Short:         "Move files over UDP with acknowledged chunks, or over TCP and QUIC streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (text or json)")
	flags.StringVar(&a.logFile, "log-file", "", "append logs to this file instead of stderr")

	root.AddCommand(
		newServeCmd(a),
		newUploadCmd(a),
		newDownloadCmd(a),
		newDiscoverCmd(a),
	)
	return root
}

// setup loads the configuration, applies the logging flags over it and
// configures logrus.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Log.File = a.logFile
	}

	closer, err := config.SetupLogging(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logCloser = closer
	return nil
}
