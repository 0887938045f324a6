package scheduler

// ============================================================================
// Scheduler Test File
// Purpose: Drive the scheduler end to end with in-process workers and check
//          admission limits, heartbeat accounting, draining and force-kills
// ============================================================================

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-oss/internal/clock"
	"github.com/ChuLiYu/beaver-oss/internal/heartbeat"
	"github.com/ChuLiYu/beaver-oss/internal/metrics"
	"github.com/ChuLiYu/beaver-oss/internal/storage/journal"
	"github.com/ChuLiYu/beaver-oss/internal/worker"
	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

func testConfig() Config {
	return Config{
		LaunchQuota:      1,
		MaxConcurrent:    1,
		TimeLimit:        1,
		LaunchIntervalMs: 0,
		Watchdog:         10 * time.Second,
		GracePeriod:      time.Second,
		ExitTimeout:      time.Second,
		HeartbeatTimeout: time.Second,
	}
}

// newTaskScheduler wires a scheduler to goroutine workers over a MemoryChannel.
func newTaskScheduler(t *testing.T, cfg Config, run worker.RunFunc, opts ...Option) *Scheduler {
	t.Helper()

	clk := clock.New(clock.DefaultTick)
	ch := heartbeat.NewMemoryChannel(clk)

	var poolOpts []worker.PoolOption
	if run != nil {
		poolOpts = append(poolOpts, worker.WithRunFunc(run))
	}
	pool := worker.NewPool(ch, poolOpts...)
	t.Cleanup(func() {
		pool.Close()
		pool.Wait()
	})

	opts = append([]Option{WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	s, err := New(clk, ch, pool, cfg, opts...)
	require.NoError(t, err)
	return s
}

// unblockAtCleanup closes release before the pool registered earlier is joined.
func unblockAtCleanup(t *testing.T, release chan struct{}) {
	t.Cleanup(func() { close(release) })
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "oss.journal"), journal.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func events(t *testing.T, j *journal.Journal) []journal.Event {
	t.Helper()
	var out []journal.Event
	require.NoError(t, j.Replay(func(e journal.Event) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func runWithin(t *testing.T, s *Scheduler, ctx context.Context, limit time.Duration) (types.Stats, error) {
	t.Helper()
	type result struct {
		stats types.Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := s.Run(ctx)
		done <- result{stats, err}
	}()
	select {
	case r := <-done:
		return r.stats, r.err
	case <-time.After(limit):
		t.Fatalf("scheduler did not terminate within %s", limit)
		return types.Stats{}, nil
	}
}

func assertAllReleased(t *testing.T, s *Scheduler) {
	t.Helper()
	for _, slot := range s.Snapshot() {
		assert.False(t, slot.Occupied, "slot %d still occupied", slot.Index)
	}
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_Validation(t *testing.T) {
	clk := clock.New(0)
	ch := heartbeat.NewMemoryChannel(clk)
	pool := worker.NewPool(ch)

	_, err := New(nil, ch, pool, testConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(clk, nil, pool, testConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(clk, ch, nil, testConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero time limit", func(c *Config) { c.TimeLimit = 0 }},
		{"negative interval", func(c *Config) { c.LaunchIntervalMs = -5 }},
		{"concurrency above capacity", func(c *Config) { c.TableCapacity = 4; c.MaxConcurrent = 5 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"negative quota", func(c *Config) { c.LaunchQuota = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(clk, ch, pool, cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	s, err := New(clk, ch, pool, Config{LaunchQuota: 1, MaxConcurrent: 1, TimeLimit: 1})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s.State())
	assert.Len(t, s.Snapshot(), 20)
	assert.Equal(t, DefaultWatchdog, s.cfg.Watchdog)
	assert.Equal(t, DefaultHeartbeatTimeout, s.cfg.HeartbeatTimeout)
}

func TestRun_OnlyOnce(t *testing.T) {
	s := newTaskScheduler(t, testConfig(), nil)

	_, err := s.Run(context.Background())
	require.NoError(t, err)

	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

// ============================================================================
// Normal completion
// ============================================================================

func TestRun_SingleWorker(t *testing.T) {
	j := openJournal(t)
	reg := prometheus.NewRegistry()
	m, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.LaunchIntervalMs = 1000
	s := newTaskScheduler(t, cfg, nil, WithJournal(j), WithMetrics(m), WithLogger(zerolog.Nop()))

	stats, err := runWithin(t, s, context.Background(), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.TotalLaunched)
	assert.Equal(t, types.OutcomeCompleted, stats.Outcome)
	assert.Zero(t, stats.ForcedKills)
	assert.Zero(t, stats.ImplicitExits)
	assert.NotZero(t, stats.TotalMessages)
	assert.Equal(t, StateTerminated, s.State())
	assertAllReleased(t, s)

	// 第一次啟動要等邏輯時鐘到達啟動間隔
	evs := events(t, j)
	require.NotEmpty(t, evs)
	assert.Equal(t, journal.EventLaunch, evs[0].Type)
	assert.Equal(t, types.ClockTime{Seconds: 1}, evs[0].Clock())
	assert.Equal(t, journal.EventFinish, evs[len(evs)-1].Type)
	assert.Equal(t, string(types.OutcomeCompleted), evs[len(evs)-1].Detail)

	expected := `
# HELP oss_workers_launched_total Total number of workers launched
# TYPE oss_workers_launched_total counter
oss_workers_launched_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "oss_workers_launched_total"))
}

func TestRun_ConcurrencyCapAndQuota(t *testing.T) {
	cfg := testConfig()
	cfg.LaunchQuota = 5
	cfg.MaxConcurrent = 2
	cfg.TimeLimit = 2

	maxOccupied := 0
	observer := func(_ State, _ types.ClockTime, slots []types.Slot) {
		n := 0
		for _, slot := range slots {
			if slot.Occupied {
				n++
			}
		}
		if n > maxOccupied {
			maxOccupied = n
		}
	}

	s := newTaskScheduler(t, cfg, nil, WithObserver(observer))
	stats, err := runWithin(t, s, context.Background(), 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.TotalLaunched)
	assert.Equal(t, types.OutcomeCompleted, stats.Outcome)
	assert.LessOrEqual(t, maxOccupied, 2)
	assert.Equal(t, 2, maxOccupied, "both slots should be used at some point")
	assertAllReleased(t, s)
}

func TestRun_HeartbeatCountIncludesTerminate(t *testing.T) {
	j := openJournal(t)
	cfg := testConfig()
	cfg.TimeLimit = 3

	var maxSeen uint64
	observer := func(_ State, _ types.ClockTime, slots []types.Slot) {
		for _, slot := range slots {
			if slot.HeartbeatsSent > maxSeen {
				maxSeen = slot.HeartbeatsSent
			}
		}
	}

	s := newTaskScheduler(t, cfg, nil, WithJournal(j), WithObserver(observer))
	stats, err := runWithin(t, s, context.Background(), 5*time.Second)
	require.NoError(t, err)

	var beats []journal.Event
	reaps := 0
	for _, e := range events(t, j) {
		switch e.Type {
		case journal.EventHeartbeat:
			beats = append(beats, e)
		case journal.EventReap:
			reaps++
			assert.Equal(t, metrics.ReasonVoluntary, e.Detail)
		}
	}

	// k 次 continue 加上一次 terminate
	require.NotEmpty(t, beats)
	k := len(beats) - 1
	for _, e := range beats[:k] {
		assert.True(t, e.Continue)
	}
	assert.False(t, beats[k].Continue)
	assert.Equal(t, uint64(k+1), stats.TotalMessages)
	assert.Equal(t, uint64(k), maxSeen, "slot is released right after the terminate reply")
	assert.Equal(t, 1, reaps)
}

func TestRun_ImplicitExit(t *testing.T) {
	cfg := testConfig()
	cfg.LaunchQuota = 3
	cfg.MaxConcurrent = 3

	quitter := func(context.Context, heartbeat.Link, worker.Spec, zerolog.Logger) error {
		return nil
	}

	s := newTaskScheduler(t, cfg, quitter)
	stats, err := runWithin(t, s, context.Background(), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalLaunched)
	assert.Equal(t, 3, stats.ImplicitExits)
	assert.Zero(t, stats.TotalMessages)
	assert.Zero(t, stats.ForcedKills)
	assertAllReleased(t, s)
}

func TestRun_ZeroGraceDoesNotKillTerminatingWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.LaunchQuota = 10
	cfg.MaxConcurrent = 3
	cfg.GracePeriod = 0

	j := openJournal(t)
	s := newTaskScheduler(t, cfg, nil, WithJournal(j))
	stats, err := runWithin(t, s, context.Background(), 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeCompleted, stats.Outcome)
	assert.Equal(t, 10, stats.TotalLaunched)
	assert.Zero(t, stats.ForcedKills, "grace period only bounds draining")
	assertAllReleased(t, s)

	for _, e := range events(t, j) {
		assert.NotEqual(t, journal.EventForceKill, e.Type, "worker %s", e.WorkerID)
	}
}

// ============================================================================
// Escalation
// ============================================================================

func TestRun_WorkerIgnoringTerminateIsKilled(t *testing.T) {
	release := make(chan struct{})
	cfg := testConfig()
	cfg.ExitTimeout = 50 * time.Millisecond

	// 回覆 terminate 之後不結束
	lingering := func(ctx context.Context, link heartbeat.Link, _ worker.Spec, _ zerolog.Logger) error {
		if err := link.Await(ctx); err != nil {
			return err
		}
		if err := link.Reply(ctx, false); err != nil {
			return err
		}
		<-release
		return nil
	}

	j := openJournal(t)
	s := newTaskScheduler(t, cfg, lingering, WithJournal(j))
	unblockAtCleanup(t, release)
	stats, err := runWithin(t, s, context.Background(), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ForcedKills)
	assert.Equal(t, uint64(1), stats.TotalMessages)
	assert.Equal(t, types.OutcomeCompleted, stats.Outcome)
	assertAllReleased(t, s)

	var kills []journal.Event
	for _, e := range events(t, j) {
		if e.Type == journal.EventForceKill {
			kills = append(kills, e)
		}
	}
	require.Len(t, kills, 1)
	assert.Equal(t, metrics.ReasonForced, kills[0].Detail)
}

func TestRun_UnresponsiveWorkerIsKilled(t *testing.T) {
	release := make(chan struct{})
	cfg := testConfig()
	cfg.HeartbeatTimeout = 50 * time.Millisecond

	silent := func(context.Context, heartbeat.Link, worker.Spec, zerolog.Logger) error {
		<-release
		return nil
	}

	j := openJournal(t)
	s := newTaskScheduler(t, cfg, silent, WithJournal(j))
	unblockAtCleanup(t, release)
	stats, err := runWithin(t, s, context.Background(), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ForcedKills)
	assert.Zero(t, stats.TotalMessages)
	assertAllReleased(t, s)

	found := false
	for _, e := range events(t, j) {
		if e.Type == journal.EventForceKill {
			found = true
			assert.Equal(t, metrics.ReasonUnresponsive, e.Detail)
		}
	}
	assert.True(t, found)
}

// ============================================================================
// Draining
// ============================================================================

func TestRun_InterruptDrainsAllWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.LaunchQuota = 3
	cfg.MaxConcurrent = 3
	cfg.TimeLimit = 100
	cfg.GracePeriod = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var states []State
	observer := func(state State, _ types.ClockTime, slots []types.Slot) {
		states = append(states, state)
		n := 0
		for _, slot := range slots {
			if slot.Occupied {
				n++
			}
		}
		if n == 3 {
			cancel()
		}
	}

	j := openJournal(t)
	s := newTaskScheduler(t, cfg, nil, WithJournal(j), WithObserver(observer))

	started := time.Now()
	stats, err := runWithin(t, s, ctx, 5*time.Second)
	require.NoError(t, err)

	assert.Less(t, time.Since(started), cfg.GracePeriod+time.Second)
	assert.Equal(t, types.OutcomeInterrupted, stats.Outcome)
	assert.Equal(t, 3, stats.TotalLaunched)
	assert.Zero(t, stats.ForcedKills, "task workers stop on the termination signal")
	assert.Equal(t, StateTerminated, s.State())
	assertAllReleased(t, s)
	require.NotEmpty(t, states)
	assert.Equal(t, StateTerminated, states[len(states)-1])

	counts := make(map[journal.EventType]int)
	for _, e := range events(t, j) {
		counts[e.Type]++
	}
	assert.Equal(t, 1, counts[journal.EventDrain])
	assert.Equal(t, 3, counts[journal.EventSignal])
	assert.Equal(t, 3, counts[journal.EventReap])
}

func TestRun_InterruptForceKillsStubbornWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.LaunchQuota = 3
	cfg.MaxConcurrent = 3
	cfg.TimeLimit = 100
	cfg.GracePeriod = 100 * time.Millisecond

	// 忽略終止訊號，只有拆除信箱才會結束
	stubborn := func(_ context.Context, link heartbeat.Link, _ worker.Spec, _ zerolog.Logger) error {
		for {
			if err := link.Await(context.Background()); err != nil {
				return err
			}
			if err := link.Reply(context.Background(), true); err != nil {
				return err
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var drainStarted time.Time
	observer := func(state State, _ types.ClockTime, slots []types.Slot) {
		n := 0
		for _, slot := range slots {
			if slot.Occupied {
				n++
			}
		}
		if n == 3 && drainStarted.IsZero() {
			drainStarted = time.Now()
			cancel()
		}
	}

	j := openJournal(t)
	s := newTaskScheduler(t, cfg, stubborn, WithJournal(j), WithObserver(observer))
	stats, err := runWithin(t, s, ctx, 5*time.Second)
	require.NoError(t, err)
	elapsed := time.Since(drainStarted)

	assert.Equal(t, types.OutcomeInterrupted, stats.Outcome)
	assert.Equal(t, 3, stats.TotalLaunched)
	assert.Equal(t, 3, stats.ForcedKills)
	assert.GreaterOrEqual(t, elapsed, cfg.GracePeriod)
	assert.Less(t, elapsed, cfg.GracePeriod+time.Second)
	assert.Equal(t, StateTerminated, s.State())
	assertAllReleased(t, s)

	counts := make(map[journal.EventType]int)
	for _, e := range events(t, j) {
		counts[e.Type]++
		if e.Type == journal.EventForceKill {
			assert.Equal(t, metrics.ReasonForced, e.Detail)
		}
	}
	assert.Equal(t, 3, counts[journal.EventSignal])
	assert.Equal(t, 3, counts[journal.EventForceKill])
	assert.Equal(t, 3, counts[journal.EventReap])
}

func TestRun_Watchdog(t *testing.T) {
	cfg := testConfig()
	cfg.Watchdog = 100 * time.Millisecond

	// 永遠回覆 continue，只有終止訊號會讓它結束
	eternal := func(ctx context.Context, link heartbeat.Link, _ worker.Spec, _ zerolog.Logger) error {
		for {
			if err := link.Await(ctx); err != nil {
				return err
			}
			if err := link.Reply(ctx, true); err != nil {
				return err
			}
		}
	}

	s := newTaskScheduler(t, cfg, eternal)
	stats, err := runWithin(t, s, context.Background(), 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeTimedOut, stats.Outcome)
	assert.Zero(t, stats.ForcedKills)
	assert.NotZero(t, stats.TotalMessages)
	assertAllReleased(t, s)
}

// ============================================================================
// Channel failure
// ============================================================================

type fakeProcess struct {
	id   types.WorkerID
	done chan struct{}
	once sync.Once
}

func (p *fakeProcess) ID() types.WorkerID    { return p.id }
func (p *fakeProcess) Signal() error         { p.stop(); return nil }
func (p *fakeProcess) Kill() error           { p.stop(); return nil }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }
func (p *fakeProcess) stop()                 { p.once.Do(func() { close(p.done) }) }

type fakeSpawner struct{}

func (fakeSpawner) Spawn(_ context.Context, spec worker.Spec) (worker.Process, error) {
	return &fakeProcess{id: spec.ID, done: make(chan struct{})}, nil
}

type brokenChannel struct{}

func (brokenChannel) Exchange(context.Context, types.WorkerID) (bool, error) {
	return false, heartbeat.ErrChannelClosed
}
func (brokenChannel) AwaitAttach(context.Context, types.WorkerID) error { return nil }
func (brokenChannel) Close() error                                      { return nil }

type failingSpawner struct{ calls int }

func (f *failingSpawner) Spawn(context.Context, worker.Spec) (worker.Process, error) {
	f.calls++
	return nil, errors.New("fork failed")
}

func TestRun_ChannelClosedAbortsRun(t *testing.T) {
	s, err := New(clock.New(0), brokenChannel{}, fakeSpawner{}, testConfig())
	require.NoError(t, err)

	stats, err := runWithin(t, s, context.Background(), 5*time.Second)
	assert.ErrorIs(t, err, heartbeat.ErrChannelClosed)
	assert.Equal(t, types.OutcomeInterrupted, stats.Outcome)
	assert.Equal(t, StateTerminated, s.State())
	assertAllReleased(t, s)
}

func TestRun_SpawnFailureIsNotCounted(t *testing.T) {
	cfg := testConfig()
	cfg.Watchdog = 50 * time.Millisecond
	sp := &failingSpawner{}

	s, err := New(clock.New(0), brokenChannel{}, sp, cfg)
	require.NoError(t, err)

	stats, err := runWithin(t, s, context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalLaunched)
	assert.Equal(t, types.OutcomeTimedOut, stats.Outcome)
	assert.Greater(t, sp.calls, 1, "denied launches are retried on later iterations")
	assertAllReleased(t, s)
}
