// Command metamcp-broker runs the role-aware MCP tool broker: it loads a
// policy document, starts every declared tool server, and serves tool
// calls, role switches, and escalation requests through the Broker
// orchestrator until told to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dopemux/metamcp-broker/broker"
	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/ledger"
	"github.com/dopemux/metamcp-broker/persistence"
	"github.com/dopemux/metamcp-broker/policy"
	"github.com/dopemux/metamcp-broker/rewrite"
	"github.com/dopemux/metamcp-broker/roles"
	"github.com/dopemux/metamcp-broker/scheduler"
	"github.com/dopemux/metamcp-broker/session"
	"github.com/dopemux/metamcp-broker/telemetry"
	"github.com/dopemux/metamcp-broker/transport"
)

var version = "dev"

func main() {
	var (
		policyPath string
		redisURL   string
		sessionDir string
		usageLog   string
		logLevel   string
		logFormat  string
	)

	rootCmd := &cobra.Command{
		Use:     "metamcp-broker",
		Short:   "Role-aware MCP tool broker",
		Long:    `metamcp-broker enforces per-role tool visibility, token budgets, and payload rewriting in front of a set of MCP-style tool servers.`,
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "./policy.yaml", "path to the policy YAML document")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL for session/ledger/checkpoint persistence (empty uses on-disk fallback)")
	rootCmd.PersistentFlags().StringVar(&sessionDir, "session-dir", "./sessions", "on-disk session store directory, used when --redis-url is empty")
	rootCmd.PersistentFlags().StringVar(&usageLog, "usage-log", "./usage.log", "append-only usage log path, used when --redis-url is empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text|json")

	opts := func() []core.Option {
		o := []core.Option{
			core.WithPolicyPath(policyPath),
			core.WithSessionStoreDir(sessionDir),
			core.WithLogLevel(logLevel),
			core.WithLogFormat(logFormat),
		}
		if redisURL != "" {
			o = append(o, core.WithRedisURL(redisURL))
		}
		o = append(o, func(c *core.Config) error {
			c.UsageLogPath = usageLog
			return nil
		})
		return o
	}

	rootCmd.AddCommand(serveCmd(opts), reloadPolicyCmd(opts), sessionStatusCmd(opts), healthCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deployment bundles every layer the CLI's subcommands need, assembled in
// the order each depends on the one before it.
type deployment struct {
	cfg        *core.Config
	logger     core.Logger
	policy     *policy.Store
	roles      *roles.Registry
	ledger     *ledger.Ledger
	rewrite    *rewrite.Engine
	transport  *transport.Manager
	sessions   *session.Registry
	metrics    *telemetry.BrokerMetrics
	alerts     *telemetry.AlertEngine
	scheduler  *scheduler.Scheduler
	broker     *broker.Broker
	sessStore  persistence.SessionStore
	closers    []func()
}

func build(ctx context.Context, opts []core.Option) (*deployment, error) {
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger := cfg.Logger()
	d := &deployment{cfg: cfg, logger: logger}

	ps, err := policy.New(cfg.PolicyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	if err := ps.WatchForChanges(); err != nil {
		logger.Warn("policy hot-reload disabled", map[string]interface{}{"error": err.Error()})
	}
	d.policy = ps
	snap := ps.CurrentSnapshot()
	snapshotFn := ps.CurrentSnapshot

	d.roles = roles.New(snap)

	var usageLog ledger.UsageLog
	var checkpointSink session.DurableSink
	var sessStore persistence.SessionStore

	if cfg.RedisURL != "" {
		client, err := persistence.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		usageLog = persistence.NewRedisUsageLog(client)
		checkpointSink = persistence.NewRedisCheckpointStore(client)
		sessStore = persistence.NewRedisSessionStore(client, persistence.WithSessionStoreTTL(cfg.SessionIdleTimeout))
	} else {
		fileLog, err := persistence.NewFileUsageLog(cfg.UsageLogPath)
		if err != nil {
			return nil, fmt.Errorf("opening usage log: %w", err)
		}
		d.closers = append(d.closers, func() { _ = fileLog.Close() })
		usageLog = fileLog

		checkpointDir := cfg.SessionStoreDir + "/checkpoints"
		fileCheckpoints, err := persistence.NewFileCheckpointStore(checkpointDir)
		if err != nil {
			return nil, fmt.Errorf("opening checkpoint store: %w", err)
		}
		checkpointSink = fileCheckpoints

		fileSessions, err := persistence.NewFileSessionStore(cfg.SessionStoreDir, cfg.SessionIdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("opening session store: %w", err)
		}
		sessStore = fileSessions
	}
	d.sessStore = sessStore

	instruments := telemetry.NewMetricInstruments("metamcp-broker")
	d.metrics = telemetry.NewBrokerMetrics(instruments)
	d.alerts = telemetry.NewAlertEngine(telemetry.DefaultAlertCooldown)
	emitter := telemetry.NewBudgetEmitter(d.metrics, d.alerts, logger)

	d.ledger = ledger.New(usageLog, emitter, logger)
	d.rewrite = rewrite.New(logger)

	d.transport = transport.New(logger)
	d.transport.StartAll(ctx, snap)

	d.sessions = session.New(d.roles, d.ledger, d.transport, checkpointSink, logger, snapshotFn)

	recovered := 0
	records, err := sessStore.List()
	if err != nil {
		logger.Warn("session recovery scan failed", map[string]interface{}{"error": err.Error()})
	}
	for _, rec := range records {
		if _, err := d.sessions.Admit(rec.SessionID, rec.Role); err != nil {
			logger.Warn("session recovery skipped", map[string]interface{}{
				"session_id": rec.SessionID,
				"error":      err.Error(),
			})
			continue
		}
		recovered++
	}
	if recovered > 0 {
		logger.Info("sessions recovered from persistence", map[string]interface{}{"count": recovered})
	}

	d.scheduler = scheduler.New(d.sessions, d.transport, snapshotFn, logger)
	d.broker = broker.New(ps, d.sessions, d.ledger, d.rewrite, d.transport, d.metrics, d.alerts, logger)

	return d, nil
}

func (d *deployment) shutdown(ctx context.Context) {
	d.scheduler.Stop()
	d.transport.StopAll(ctx)
	if err := d.policy.Close(); err != nil {
		d.logger.Warn("policy watcher close failed", map[string]interface{}{"error": err.Error()})
	}
	for _, c := range d.closers {
		c()
	}
}

func serveCmd(opts func() []core.Option) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := build(ctx, opts())
			if err != nil {
				return err
			}
			d.scheduler.Start(ctx)
			d.logger.Info("metamcp-broker serving", map[string]interface{}{"policy": d.cfg.PolicyPath})

			<-ctx.Done()
			d.logger.Info("shutting down", nil)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			d.shutdown(shutdownCtx)
			return nil
		},
	}
}

func reloadPolicyCmd(opts func() []core.Option) *cobra.Command {
	return &cobra.Command{
		Use:   "reload-policy",
		Short: "Re-read the policy document and validate it without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := build(ctx, opts())
			if err != nil {
				return err
			}
			defer d.shutdown(ctx)

			if err := d.broker.ReloadPolicy(); err != nil {
				return fmt.Errorf("reload failed: %w", err)
			}
			fmt.Println("policy reloaded and validated")
			return nil
		},
	}
}

func sessionStatusCmd(opts func() []core.Option) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect broker sessions",
	}
	sessionCmd.AddCommand(&cobra.Command{
		Use:   "status <session-id>",
		Short: "Print a session's role, mounted tools, and ledger status as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := build(ctx, opts())
			if err != nil {
				return err
			}
			defer d.shutdown(ctx)

			status, sErr := d.broker.SessionStatus(args[0])
			if sErr != nil {
				return fmt.Errorf("%s: %w", sErr.Op, sErr.Err)
			}
			return printJSON(status)
		},
	})
	return sessionCmd
}

func healthCmd(opts func() []core.Option) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the broker-wide health rollup as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := build(ctx, opts())
			if err != nil {
				return err
			}
			defer d.shutdown(ctx)

			return printJSON(d.broker.BrokerHealth())
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
