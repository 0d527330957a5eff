package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/config"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// Shared CLI flags
var (
	cfgFile        string
	host           string
	port           int
	logLevel       string
	logFormat      string
	logFile        string
	allowRemote    bool
	requestTimeout time.Duration
)

// BaseConfig holds the configuration loaded by main before flags apply
var BaseConfig *config.Config

// SetupRootCmd configures the root command with all subcommands and flags.
// Running the root command starts the relay, same as "serve".
func SetupRootCmd(c *config.Config) *cobra.Command {
	BaseConfig = c

	rootCmd := &cobra.Command{
		Use:   "tabrelay",
		Short: "TabRelay - CDP relay for a browser extension",
		Long: `TabRelay lets CDP automation clients drive a real browser tab through
the TabRelay browser extension.

Clients connect to ws://<host>:<port>/cdp; the extension connects to /extension.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file overlaid on the built-in defaults (watched for log level changes)")
	flags.StringVar(&host, "host", "", "listen host")
	flags.IntVar(&port, "port", 0, "listen port")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&logFile, "log-file", "", "write logs to this file (truncated at startup)")
	flags.BoolVar(&allowRemote, "allow-remote", false, "accept non-loopback peers")
	flags.DurationVar(&requestTimeout, "request-timeout", 0, "how long a command may wait for the extension (0 disables)")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(StatusCmd())
	rootCmd.AddCommand(VersionCmd())

	return rootCmd
}

// resolveConfig layers the config file, TABRELAY_* environment and flags over
// the base configuration, in that order.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	c := config.Default()
	if BaseConfig != nil {
		c = *BaseConfig
	}

	if cfgFile != "" {
		loaded, err := config.LoadFile(cfgFile, c)
		if err != nil {
			return c, err
		}
		c = loaded
	}
	if err := c.ApplyEnv(); err != nil {
		return c, err
	}
	applyFlags(cmd, &c)
	return c, c.Validate()
}

func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		c.Host = host
	}
	if flags.Changed("port") {
		c.Port = port
	}
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		c.Log.Format = logFormat
	}
	if flags.Changed("log-file") {
		c.Log.File = logFile
	}
	if flags.Changed("allow-remote") {
		c.AllowRemote = allowRemote
	}
	if flags.Changed("request-timeout") {
		c.RequestTimeout = requestTimeout
	}
}
