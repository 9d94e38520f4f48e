package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-meeting-autorecorder/internal/config"
	"go-meeting-autorecorder/internal/logging"
)

// cli holds what the persistent pre-run prepares for subcommands.
type cli struct {
	v          *viper.Viper
	configFile string
	settings   *config.Settings
}

func rootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "recorder",
		Short:         "Unattended meeting recorder",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "Path to the YAML config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Also write JSON logs to this rotated file")
	flags.String("output-dir", "./recordings", "Directory for recordings")
	flags.Bool("dry-run", false, "Log detector decisions without stopping recordings")

	for key, name := range map[string]string{
		"log.level":            "log-level",
		"log.file":             "log-file",
		"recording.output_dir": "output-dir",
		"detection.dry_run":    "dry-run",
	} {
		if err := c.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		settings, err := config.Load(c.v, c.configFile)
		if err != nil {
			return err
		}
		if err := logging.Init(logging.Options{Level: settings.Log.Level, File: settings.Log.File}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		c.settings = settings
		return nil
	}
	root.PersistentPostRun = func(*cobra.Command, []string) {
		_ = logging.Close()
	}

	root.AddCommand(serveCommand(c), recordCommand(c))
	return root
}
