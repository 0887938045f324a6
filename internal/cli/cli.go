// ============================================================================
// Beaver-OSS CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the simulated multitasking scheduler
//
// Command Structure:
//   beaver-oss                     # Root command
//   ├── run                        # Run the scheduler until every worker is reaped
//   │   ├── -n                    # Launch quota (1..100)
//   │   ├── -s                    # Max concurrent workers (1..20)
//   │   ├── -t                    # Worker lifetime upper bound in seconds
//   │   ├── -i                    # Launch interval in logical milliseconds
//   │   ├── -f                    # Log file
//   │   └── --mode                # task | process
//   ├── inspect [journal]          # Summarize a journal from a previous run
//   ├── status                     # Show configuration and the last report
//   ├── worker                     # (hidden) process-mode worker entry point
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Signal Handling:
//   run: SIGINT / SIGTERM cancel the scheduler context → DRAINING
//   worker: SIGINT is ignored (the terminal's Ctrl+C reaches the whole
//           process group; only the scheduler decides when workers stop),
//           SIGTERM stops the worker with exit code 0
//
// Examples:
//   ./beaver-oss run -n 10 -s 4 -t 3 -i 500
//   ./beaver-oss run --mode process --journal oss.journal --report report.json
//   ./beaver-oss inspect oss.journal
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-oss/internal/clock"
	"github.com/ChuLiYu/beaver-oss/internal/config"
	"github.com/ChuLiYu/beaver-oss/internal/heartbeat"
	"github.com/ChuLiYu/beaver-oss/internal/logging"
	"github.com/ChuLiYu/beaver-oss/internal/metrics"
	"github.com/ChuLiYu/beaver-oss/internal/report"
	"github.com/ChuLiYu/beaver-oss/internal/scheduler"
	"github.com/ChuLiYu/beaver-oss/internal/storage/journal"
	"github.com/ChuLiYu/beaver-oss/internal/worker"
	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

const defaultConfigFile = "configs/default.yaml"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-oss",
		Short: "Beaver-OSS: a simulated multitasking OS scheduler",
		Long: `Beaver-OSS launches short-lived workers into a fixed process table,
drives a shared logical clock and polls each worker round-robin with
heartbeats until it asks to terminate.`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildInspectCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildWorkerCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		quota, concurrent, timeLimit, interval int
		logFile, mode, journalPath, reportPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler",
		Long:  "Launch workers under the admission policy and poll them until all have terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			flags := cmd.Flags()
			if flags.Changed("quota") {
				cfg.Scheduler.LaunchQuota = quota
			}
			if flags.Changed("concurrent") {
				cfg.Scheduler.MaxConcurrent = concurrent
			}
			if flags.Changed("time-limit") {
				cfg.Scheduler.TimeLimit = timeLimit
			}
			if flags.Changed("interval") {
				cfg.Scheduler.LaunchIntervalMs = interval
			}
			if flags.Changed("log-file") {
				cfg.Log.File = logFile
			}
			if flags.Changed("mode") {
				cfg.Worker.Mode = mode
			}
			if flags.Changed("journal") {
				cfg.Journal.Path = journalPath
			}
			if flags.Changed("report") {
				cfg.Report.Path = reportPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSystem(ctx, cfg, cmd.OutOrStdout())
		},
	}

	def := config.Default()
	cmd.Flags().IntVarP(&quota, "quota", "n", def.Scheduler.LaunchQuota, "total number of workers to launch (1..100)")
	cmd.Flags().IntVarP(&concurrent, "concurrent", "s", def.Scheduler.MaxConcurrent, "maximum simultaneous workers")
	cmd.Flags().IntVarP(&timeLimit, "time-limit", "t", def.Scheduler.TimeLimit, "upper bound of a worker's lifetime in seconds")
	cmd.Flags().IntVarP(&interval, "interval", "i", def.Scheduler.LaunchIntervalMs, "minimum logical milliseconds between launches")
	cmd.Flags().StringVarP(&logFile, "log-file", "f", def.Log.File, "log file")
	cmd.Flags().StringVar(&mode, "mode", def.Worker.Mode, "worker mode: task or process")
	cmd.Flags().StringVar(&journalPath, "journal", "", "event journal path (empty disables)")
	cmd.Flags().StringVar(&reportPath, "report", "", "final report path (empty disables)")

	return cmd
}

// runSystem 組裝所有元件並執行排程器直到 TERMINATED
func runSystem(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log, closer, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	stats, table, err := execute(ctx, cfg, log)
	if err != nil && stats.Outcome == "" {
		return err
	}

	printStats(out, stats)

	if cfg.Report.Path != "" {
		w := report.NewWriter(cfg.Report.Path)
		if werr := w.Write(types.Report{Stats: stats, Table: table, Settings: runParams(cfg)}); werr != nil {
			log.Error().Err(werr).Str("path", w.Path()).Msg("failed to write report")
		}
	}
	return err
}

// execute 建立時鐘、心跳通道、Worker 啟動器與排程器並執行
//
// 返回值：
//   - types.Stats: 最終統計；Outcome 為空表示排程器沒有啟動
//   - []types.Slot: 最終行程表
//   - error: 啟動失敗或排程器異常結束
func execute(ctx context.Context, cfg *config.Config, log zerolog.Logger) (types.Stats, []types.Slot, error) {
	clk := clock.New(cfg.Scheduler.BaseTick)

	var (
		ch      heartbeat.Channel
		spawner worker.Spawner
		cleanup func()
	)
	switch cfg.Worker.Mode {
	case config.ModeProcess:
		gch := heartbeat.NewGRPCChannel(clk, log.With().Str("component", "heartbeat").Logger())
		addr, err := gch.Listen(cfg.Worker.Listen)
		if err != nil {
			return types.Stats{}, nil, fmt.Errorf("failed to listen for workers: %w", err)
		}
		exec, err := worker.NewExecSpawner(worker.ExecConfig{
			Addr:         addr.String(),
			SpawnTimeout: cfg.Worker.SpawnTimeout,
			ExtraArgs:    []string{"--log-level", cfg.Log.Level},
		}, gch, log.With().Str("component", "spawner").Logger())
		if err != nil {
			_ = gch.Close()
			return types.Stats{}, nil, err
		}
		log.Info().Str("addr", addr.String()).Msg("heartbeat server listening")
		ch, spawner = gch, exec
		cleanup = func() { _ = gch.Close() }
	default:
		mch := heartbeat.NewMemoryChannel(clk)
		pool := worker.NewPool(mch, worker.WithPoolLogger(log))
		ch, spawner = mch, pool
		cleanup = func() {
			pool.Close()
			pool.Wait()
		}
	}
	defer cleanup()

	opts := []scheduler.Option{scheduler.WithLogger(log)}

	if cfg.Scheduler.Seed != 0 {
		opts = append(opts, scheduler.WithRand(rand.New(rand.NewPCG(cfg.Scheduler.Seed, cfg.Scheduler.Seed))))
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, journal.Options{
			BufferSize:  cfg.Journal.BufferSize,
			SyncOnFlush: cfg.Journal.SyncOnFlush,
		})
		if err != nil {
			return types.Stats{}, nil, fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		opts = append(opts, scheduler.WithJournal(j))
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m, err := metrics.NewCollector(reg)
		if err != nil {
			return types.Stats{}, nil, err
		}
		srv, err := metrics.StartServer(cfg.Metrics.Port, reg)
		if err != nil {
			return types.Stats{}, nil, err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info().Str("addr", srv.Addr().String()).Msg("metrics server listening")
		opts = append(opts, scheduler.WithMetrics(m))
	}

	sched, err := scheduler.New(clk, ch, spawner, schedulerConfig(cfg), opts...)
	if err != nil {
		return types.Stats{}, nil, err
	}

	// outside systemd these are no-ops
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	stats, err := sched.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	return stats, sched.Snapshot(), err
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		LaunchQuota:      s.LaunchQuota,
		MaxConcurrent:    s.MaxConcurrent,
		TimeLimit:        s.TimeLimit,
		LaunchIntervalMs: s.LaunchIntervalMs,
		TableCapacity:    s.TableCapacity,
		Watchdog:         s.Watchdog,
		GracePeriod:      s.GracePeriod,
		ExitTimeout:      s.ExitTimeout,
		HeartbeatTimeout: s.HeartbeatTimeout,
		SnapshotInterval: s.SnapshotInterval,
	}
}

func runParams(cfg *config.Config) types.RunParams {
	return types.RunParams{
		LaunchQuota:      cfg.Scheduler.LaunchQuota,
		MaxConcurrent:    cfg.Scheduler.MaxConcurrent,
		TimeLimitSeconds: cfg.Scheduler.TimeLimit,
		LaunchIntervalMs: cfg.Scheduler.LaunchIntervalMs,
		Mode:             cfg.Worker.Mode,
	}
}

func printStats(out io.Writer, stats types.Stats) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Total processes launched: %d\n", stats.TotalLaunched)
	fmt.Fprintf(out, "Total messages sent: %d\n", stats.TotalMessages)
	fmt.Fprintf(out, "Forced kills: %d\n", stats.ForcedKills)
	fmt.Fprintf(out, "Outcome: %s (clock %s, elapsed %s)\n", stats.Outcome, stats.Clock, stats.Elapsed.Round(time.Millisecond))
}

// loadConfig 讀取設定檔；未明確指定且檔案不存在時使用預設值
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}
