package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-oss/internal/heartbeat"
	"github.com/ChuLiYu/beaver-oss/internal/logging"
	"github.com/ChuLiYu/beaver-oss/internal/report"
	"github.com/ChuLiYu/beaver-oss/internal/storage/journal"
	"github.com/ChuLiYu/beaver-oss/internal/worker"
	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// ============================================================================
// worker (hidden)
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var (
		addr, id, level string
		sec, nanos      uint32
		dialTimeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one worker process (started by the scheduler in process mode)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" || id == "" {
				return fmt.Errorf("--addr and --id are required")
			}
			if nanos >= types.TicksPerSecond {
				return fmt.Errorf("--deadline-nanos must be below %d", types.TicksPerSecond)
			}

			// Ctrl+C 由排程器處理；Worker 只在 SIGTERM 時結束
			signal.Ignore(os.Interrupt)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()

			return runWorker(ctx, addr, types.WorkerID(id), types.ClockTime{Seconds: sec, Nanos: nanos}, level, dialTimeout, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "scheduler heartbeat address")
	cmd.Flags().StringVar(&id, "id", "", "worker identity assigned by the scheduler")
	cmd.Flags().Uint32Var(&sec, "deadline-sec", 0, "termination deadline, seconds part")
	cmd.Flags().Uint32Var(&nanos, "deadline-nanos", 0, "termination deadline, nanoseconds part")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 5*time.Second, "timeout for attaching to the scheduler")

	return cmd
}

func runWorker(ctx context.Context, addr string, id types.WorkerID, deadline types.ClockTime, level string, dialTimeout time.Duration, out io.Writer) error {
	log, closer, err := logging.New(logging.Config{Level: level, Console: true, Out: out})
	if err != nil {
		return err
	}
	defer closer.Close()
	log = log.With().Str("worker", string(id)).Int("pid", os.Getpid()).Int("ppid", os.Getppid()).Logger()

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	link, err := heartbeat.Dial(dctx, addr, id)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to attach to scheduler: %w", err)
	}
	defer link.Close()

	_, err = worker.Run(ctx, link, deadline, log)
	if errors.Is(err, context.Canceled) {
		// SIGTERM 是正常結束
		return nil
	}
	return err
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect [journal]",
		Short: "Summarize the event journal of a previous run",
		Long:  "Replay a journal, verify its checksums and print each worker's lifecycle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(configFile, cmd.Flags().Changed("config"))
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.Journal.Path
			}
			if path == "" {
				return fmt.Errorf("no journal given and journal.path is not configured")
			}
			return inspectJournal(path, asJSON, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func inspectJournal(path string, asJSON bool, out io.Writer) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	sum, err := journal.Summarize(path)
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	fmt.Fprintf(out, "Journal: %s\n", path)
	fmt.Fprintf(out, "  Events: %d  Runs: %d  Launches: %d  Heartbeats: %d  Forced kills: %d  Drains: %d\n\n",
		sum.Events, sum.Runs, sum.Launches, sum.Heartbeats, sum.ForcedKills, sum.Drains)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tWORKER\tLAUNCHED\tENDED\tHEARTBEATS\tEND")
	for _, w := range sum.Workers {
		ended, reason := "-", "running"
		if w.EndReason != "" {
			ended, reason = w.Ended.String(), string(w.EndReason)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", w.Slot, w.ID, w.Launched, ended, w.Heartbeats, reason)
	}
	return tw.Flush()
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler configuration and the last run's report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout(), cmd.Flags().Changed("config"))
		},
	}
	return cmd
}

func showStatus(out io.Writer, explicit bool) error {
	cfg, err := loadConfig(configFile, explicit)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	s := cfg.Scheduler

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Beaver-OSS Scheduler Status                     ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:        %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Launch Quota:       %d\n", s.LaunchQuota)
	fmt.Fprintf(out, "  ├─ Max Concurrent:     %d / %d slots\n", s.MaxConcurrent, s.TableCapacity)
	fmt.Fprintf(out, "  ├─ Lifetime Limit:     %ds\n", s.TimeLimit)
	fmt.Fprintf(out, "  ├─ Launch Interval:    %dms (logical)\n", s.LaunchIntervalMs)
	fmt.Fprintf(out, "  ├─ Worker Mode:        %s\n", cfg.Worker.Mode)
	fmt.Fprintf(out, "  └─ Watchdog / Grace:   %s / %s\n", s.Watchdog, s.GracePeriod)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Storage:")
	fmt.Fprintf(out, "  ├─ Log File:  %s\n", orDisabled(cfg.Log.File))
	fmt.Fprintf(out, "  ├─ Journal:   %s\n", orDisabled(cfg.Journal.Path))
	fmt.Fprintf(out, "  └─ Report:    %s\n", orDisabled(cfg.Report.Path))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Last Run:")
	if cfg.Report.Path == "" {
		fmt.Fprintln(out, "  └─ Report disabled (set report.path or pass --report to run)")
	} else if r, err := report.Load(cfg.Report.Path); err != nil {
		fmt.Fprintf(out, "  └─ Unavailable: %v\n", err)
	} else {
		st := r.Stats
		fmt.Fprintf(out, "  ├─ Generated:          %s\n", time.UnixMilli(r.GeneratedAt).Format(time.RFC3339))
		fmt.Fprintf(out, "  ├─ Outcome:            %s\n", st.Outcome)
		fmt.Fprintf(out, "  ├─ Processes Launched: %d\n", st.TotalLaunched)
		fmt.Fprintf(out, "  ├─ Messages Sent:      %d\n", st.TotalMessages)
		fmt.Fprintf(out, "  ├─ Forced Kills:       %d\n", st.ForcedKills)
		fmt.Fprintf(out, "  └─ Logical Clock:      %s\n", st.Clock)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

func orDisabled(path string) string {
	if path == "" {
		return "(disabled)"
	}
	return path
}
