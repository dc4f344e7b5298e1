package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "fcgi-pm",
	Short: "Process pool manager for record protocol application servers",
	Long: `fcgi-pm starts, watches and load-adaptively kills pools of application
processes that speak the record protocol over local sockets.

Static classes come from a class file and are always kept running. Dynamic
classes are created when a request handler first asks for them and are
scaled up and down from the timings request handlers report back on the
signal channel.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initRoot,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text or json)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd, requestCmd, signalCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// initRoot reads the config file and environment, then installs the default
// logger. It runs before every subcommand.
func initRoot(cmd *cobra.Command, args []string) error {
	bindEnv()

	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	logger, err := newLogger(os.Stderr, viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// bindEnv maps every bound key to FCGI_PM_<KEY>, e.g. pool.max_wait to
// FCGI_PM_POOL_MAX_WAIT
func bindEnv() {
	viper.SetEnvPrefix("FCGI_PM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// newLogger builds the process logger. Logs go to stderr so request bodies
// can be written to stdout.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (use text or json)", format)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fcgi-pm %s\n", version)
	},
}
