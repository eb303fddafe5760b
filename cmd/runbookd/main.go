package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/runbookd/internal/cache"
	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/feedback"
	"github.com/joestump/runbookd/internal/hub"
	"github.com/joestump/runbookd/internal/mcpserver"
	"github.com/joestump/runbookd/internal/router"
	"github.com/joestump/runbookd/internal/source"
	"github.com/joestump/runbookd/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "runbookd",
		Short:        "Federated runbook and documentation retrieval for incident response",
		Version:      config.Version,
		RunE:         run,
		SilenceUsage: true,
	}

	f := rootCmd.Flags()
	f.String("config", "runbookd.yaml", "path to the YAML configuration file")
	f.Int("port", 0, "HTTP port (overrides the config file)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	f.String("state-dir", "", "directory for the feedback database; empty disables feedback")

	// Viper keys use underscores so they match the env var suffix after
	// stripping the RUNBOOKD_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("config", "config")
	bindFlag("port", "port")
	bindFlag("log_level", "log-level")
	bindFlag("mcp", "mcp")
	bindFlag("state_dir", "state-dir")

	viper.SetEnvPrefix("RUNBOOKD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	rt := config.LoadRuntime()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(rt.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	log := logrus.NewEntry(logger)

	cfg, err := config.Load(rt.ConfigPath)
	if err != nil {
		return err
	}
	if rt.Port > 0 {
		cfg.Server.Port = rt.Port
	}

	c, err := buildCache(cfg, log)
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck

	var store *feedback.Store
	if rt.StateDir != "" {
		if err := os.MkdirAll(rt.StateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		store, err = feedback.Open(filepath.Join(rt.StateDir, "runbookd.db"))
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Infof("received %s, shutting down", sig)
		cancel()
	}()

	r := router.New(cfg, c, router.Factories(), log)
	started := r.LoadSources(ctx, cfg.Sources)
	log.WithFields(logrus.Fields{"started": started, "configured": len(cfg.Sources)}).Info("sources loaded")
	defer func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cleanupCancel()
		if err := r.Cleanup(cleanupCtx); err != nil {
			log.WithError(err).Warn("source cleanup")
		}
	}()

	if rt.MCPMode {
		log.Info("serving MCP over stdio")
		return mcpserver.Run(ctx, r, store)
	}

	events := hub.New()
	go watchHealth(ctx, r, events, log)

	server := web.New(cfg, r, store, events, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// buildCache assembles the two-tier result cache from the config: a bounded
// in-process L1 and, when a URL is configured, a remote L2.
func buildCache(cfg *config.Config, log *logrus.Entry) (*cache.Cache, error) {
	var l2 cache.L2
	if cfg.Cache.L2.URL != "" {
		rl2, err := cache.NewRedisL2(cfg.Cache.L2.URL, "")
		if err != nil {
			return nil, err
		}
		l2 = rl2
	}

	overrides := make(map[string]time.Duration, len(cfg.Cache.TTLByType))
	for typ, raw := range cfg.Cache.TTLByType {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			overrides[typ] = d
		}
	}
	def, _ := time.ParseDuration(cfg.Cache.L1.DefaultTTL)

	return cache.New(cfg.Cache.L1.MaxEntries, l2, cache.NewTTLPolicy(overrides, def), log)
}

// watchHealth polls adapter health and publishes transitions to the event
// hub so dashboards see sources flip without polling the API.
func watchHealth(ctx context.Context, r *router.Router, events *hub.Hub, log *logrus.Entry) {
	const interval = time.Minute

	previous := map[string]string{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		statuses := r.HealthCheckAll(ctx)
		for name, h := range statuses {
			if prev, ok := previous[name]; ok && prev != h.Status {
				events.Publish(hub.Event{
					Topic:   hub.TopicHealth,
					Source:  name,
					Message: fmt.Sprintf("health changed from %s to %s", prev, h.Status),
					Data:    map[string]any{"from": prev, "to": h.Status, "message": h.Message},
				})
				if h.Status != source.StatusHealthy {
					log.WithFields(logrus.Fields{"source": name, "status": h.Status}).Warn("source health degraded")
				}
			}
			previous[name] = h.Status
		}
	}
}
