package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/util"
)

var (
	// Used for flags.
	cfgFile string
	debug   bool
	conf    config.Config

	rootCmd = &cobra.Command{
		Use:               "peercall",
		Short:             "peercall negotiates a WebRTC call with a camera endpoint",
		Long:              `A signaling client that registers with a relay and negotiates one peer-to-peer media/data session at a time.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.peercall.{toml,yaml,json})")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("origin", config.DefaultOrigin, "origin the client is loaded from; decides the signaling host")
	flags.String("host", "", "signaling host override")
	flags.Int("port", config.DefaultPort, "signaling port")
	flags.String("api-base", "", "camera API base URL, e.g. http://cams.local:5000")

	bind(flags.Lookup("log-level"), "log_level")
	bind(flags.Lookup("origin"), "origin")
	bind(flags.Lookup("host"), "host")
	bind(flags.Lookup("port"), "port")
	bind(flags.Lookup("api-base"), "api_base")
}

// loadConfig layers defaults, config file, environment and flags.
func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	conf = c

	if err := util.SetLevel(conf.LogLevel); err != nil {
		return err
	}
	if debug {
		util.EnableDebug()
	}
	if used := viper.ConfigFileUsed(); used != "" {
		util.LogDebug("using config file %s", used)
	}
	return nil
}
