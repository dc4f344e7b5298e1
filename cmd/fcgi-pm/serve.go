package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

const defaultDebounce = 500 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool manager",
	Long: `Run the pool manager loop.

Static and external classes are read from --classes. Request handlers in
other processes post signals through the named pipe given by --fifo; the
admin server accepts them over HTTP too and serves /metrics and /healthz.

Example:
  fcgi-pm serve --classes classes.yaml --fifo /run/fcgi-pm/signals
  FCGI_PM_POOL_MAX_PROCESSES=20 fcgi-pm serve --config pm.yaml --watch
`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("classes", "", "Class file declaring static and external classes")
	serveCmd.Flags().String("fifo", "", "Named pipe request handlers post signals to")
	serveCmd.Flags().String("admin-addr", "127.0.0.1:9191", "Admin HTTP listen address (empty disables)")
	serveCmd.Flags().Bool("watch", false, "Restart classes when their executable changes")
	serveCmd.Flags().Duration("watch-debounce", defaultDebounce, "Quiet period before a changed executable is restarted")

	viper.BindPFlag("serve.classes", serveCmd.Flags().Lookup("classes"))
	viper.BindPFlag("serve.fifo", serveCmd.Flags().Lookup("fifo"))
	viper.BindPFlag("serve.admin_addr", serveCmd.Flags().Lookup("admin-addr"))
	viper.BindPFlag("serve.watch", serveCmd.Flags().Lookup("watch"))
	viper.BindPFlag("serve.watch_debounce", serveCmd.Flags().Lookup("watch-debounce"))

	poolFlags(serveCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	cfg, err := loadPoolConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		return fmt.Errorf("failed to create socket dir: %w", err)
	}

	metrics := procmgr.NewPrometheusMetricsCollector("fcgi_pm")
	mailbox := procmgr.NewMailbox(cfg.MailboxSize)
	opts := []procmgr.Option{
		procmgr.WithLogger(log),
		procmgr.WithMetricsCollector(metrics),
		procmgr.WithMailbox(mailbox),
	}

	var watcher *procmgr.ExecWatcher
	if viper.GetBool("serve.watch") {
		watcher, err = procmgr.NewExecWatcher(mailbox, viper.GetDuration("serve.watch_debounce"), log)
		if err != nil {
			return err
		}
		defer watcher.Close()
		opts = append(opts, procmgr.WithClassObserver(func(id procmgr.ClassID) {
			if err := watcher.Watch(id); err != nil {
				log.Warn("failed to watch executable", "class", id.Path, "error", err)
			}
		}))
	}

	pm, err := procmgr.NewPoolManager(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create pool manager: %w", err)
	}

	if path := viper.GetString("serve.classes"); path != "" {
		cf, err := procmgr.LoadClassFile(path)
		if err != nil {
			return err
		}
		for _, spec := range cf.Specs() {
			if err := pm.AddClass(spec); err != nil {
				return fmt.Errorf("class %s: %w", spec.ID, err)
			}
		}
	}

	var fifo *procmgr.FIFOSource
	if path := viper.GetString("serve.fifo"); path != "" {
		fifo, err = procmgr.OpenFIFOSource(path, log)
		if err != nil {
			return err
		}
		defer os.Remove(path)
		log.Info("signal channel open", "fifo", path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pm.Run(gctx)
	})

	if fifo != nil {
		g.Go(func() error {
			if err := fifo.Run(gctx, mailbox); err != nil {
				pm.Fatal(err)
				return err
			}
			return nil
		})
	}

	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if addr := viper.GetString("serve.admin_addr"); addr != "" {
		admin := NewAdminServer(addr, pm, metrics.Registry(), log)
		g.Go(func() error {
			return admin.Run(gctx)
		})
	}

	log.Info("fcgi-pm serving",
		"version", version,
		"socket_dir", cfg.SocketDir,
		"max_processes", cfg.MaxProcesses,
		"min_processes", cfg.MinProcesses)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("pool manager stopped: %w", err)
	}
	log.Info("fcgi-pm stopped")
	return nil
}
