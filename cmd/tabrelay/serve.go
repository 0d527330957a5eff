package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/config"
	"github.com/neboloop/tabrelay/internal/lifecycle"
	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/relay"
)

// ServeCmd runs the relay in the foreground.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	c, err := resolveConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	closer, err := logging.Setup(logging.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.Log.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hooks := lifecycle.New()
	hooks.OnShutdown(func() {
		logging.Info("[tabrelay] shutting down")
	})
	hooks.OnDetached(func(d lifecycle.DetachEventData) {
		if d.Pending > 0 {
			logging.Warnf("[tabrelay] detached with %d commands in flight: %v", d.Pending, d.Reason)
		}
	})

	r := relay.New(relay.Options{
		RequestTimeout: c.CommandTimeout(),
		PingInterval:   c.PingInterval,
		AllowRemote:    c.AllowRemote,
		AuthToken:      c.AuthToken,
		Logger:         logging.With("relay"),
		Hooks:          hooks,
	})

	addr, err := r.Listen(c.Addr())
	if err != nil {
		r.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "TabRelay %s listening on %s\n", Version, addr)
	fmt.Fprintf(cmd.OutOrStdout(), "  extension: ws://%s/extension\n", addr)
	fmt.Fprintf(cmd.OutOrStdout(), "  clients:   ws://%s/cdp\n", addr)

	if cfgFile != "" && !cmd.Flags().Changed("log-level") {
		go watchLogLevel(ctx, cfgFile)
	}

	<-ctx.Done()
	return r.Close()
}

// watchLogLevel applies log level edits in the config file without a restart.
// Other settings need a restart to take effect.
func watchLogLevel(ctx context.Context, path string) {
	base := config.Default()
	if BaseConfig != nil {
		base = *BaseConfig
	}
	err := config.Watch(ctx, path, base, func(nc config.Config) {
		if err := nc.ApplyEnv(); err != nil {
			logging.Warnf("[config] %v", err)
			return
		}
		if err := logging.SetLevel(nc.Log.Level); err != nil {
			logging.Warnf("[config] %v", err)
			return
		}
		logging.Infof("[config] log level is now %s", logging.Level())
	})
	if err != nil {
		logging.Warnf("[config] not watching %s: %v", path, err)
	}
}
