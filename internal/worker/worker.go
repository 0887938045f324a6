// ============================================================================
// Beaver-OSS Worker - Heartbeat Responder
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: The logic every worker runs, whether it lives in a goroutine
//           (task mode) or in a child process (process mode)
//
// How it works:
//   The worker knows a termination deadline on the logical clock. It then
//   repeats the following loop:
//   1. Wait for a heartbeat request from the scheduler (blocking)
//   2. Read the shared logical clock
//   3. Reply continue if the clock is still before the deadline,
//      terminate otherwise
//   4. Exit right after replying terminate
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Worker                              │
//   │  ┌───────────────────────────────┐   │
//   │  │ for {                         │   │
//   │  │   ├─ link.Await(ctx)           │   │
//   │  │   ├─ now := link.Now(ctx)      │   │
//   │  │   └─ link.Reply(now < deadline)│   │
//   │  │ }                             │   │
//   │  └───────────────────────────────┘   │
//   └──────────────────────────────────────┘
//
// Termination signal:
//   Cancelling ctx (task mode) or SIGTERM (process mode) stops the worker
//   while it waits. The worker then returns ctx.Err() without replying.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-oss/internal/heartbeat"
	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// Run executes the heartbeat loop until the worker replies terminate, the
// context is cancelled, or the link fails. It returns the number of
// heartbeats answered.
func Run(ctx context.Context, link heartbeat.Link, deadline types.ClockTime, log zerolog.Logger) (int, error) {
	start, err := link.Now(ctx)
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	log.Info().
		Stringer("clock", start).
		Stringer("deadline", deadline).
		Msg("just starting")

	iterations := 0
	for {
		if err := link.Await(ctx); err != nil {
			if ctx.Err() != nil {
				log.Info().Int("iterations", iterations).Msg("received termination signal")
				return iterations, ctx.Err()
			}
			if errors.Is(err, heartbeat.ErrChannelClosed) {
				log.Warn().Int("iterations", iterations).Msg("scheduler went away")
			}
			return iterations, err
		}

		now, err := link.Now(ctx)
		if err != nil {
			return iterations, fmt.Errorf("read clock: %w", err)
		}

		iterations++
		cont := now.Before(deadline)

		ev := log.Info().Stringer("clock", now).Stringer("deadline", deadline).Int("iterations", iterations)
		if cont {
			ev.Msgf("%d iteration%s have passed since starting", iterations, plural(iterations))
		} else {
			ev.Msgf("terminating after sending message back after %d iterations", iterations)
		}

		if err := link.Reply(ctx, cont); err != nil {
			return iterations, fmt.Errorf("reply: %w", err)
		}
		if !cont {
			return iterations, nil
		}
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
