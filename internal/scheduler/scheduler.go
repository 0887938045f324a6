// ============================================================================
// Beaver-OSS 排程器 - 模擬多工作業系統的協調者
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 單一 goroutine 的排程迴圈，推進邏輯時鐘、啟動 Worker、輪詢心跳並回收槽位
//
// 狀態機:
//   RUNNING ──(中斷 / 看門狗)──▶ DRAINING ──(寬限期結束)──▶ TERMINATED
//   RUNNING ──(配額用盡且無 Worker)──────────────────────▶ TERMINATED
//
// 每輪迴圈 (RUNNING):
//   1. 檢查中斷與看門狗（context 取消）
//   2. 依目前 Worker 數推進邏輯時鐘
//   3. 准入控制通過則預留槽位、啟動 Worker、提交槽位
//   4. 輪詢下一個被佔用的槽位，交換一次心跳
//      - 回覆 continue: 累加心跳計數
//      - 回覆 terminate: 等待 Worker 結束（逾寬限期則強制終止）並回收
//      - Worker 已不在: 隱性結束，直接回收
//      - 逾時未回覆: 視為無回應，強制終止並回收
//   5. 依固定牆鐘間隔輸出行程表快照
//
// 並發模型:
//   - 只有排程 goroutine 會修改時鐘、行程表與准入狀態
//   - Worker 只讀取時鐘並回覆自己的心跳
//   - 每輪最多一個進行中的心跳交換
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-oss/internal/admission"
	"github.com/ChuLiYu/beaver-oss/internal/clock"
	"github.com/ChuLiYu/beaver-oss/internal/heartbeat"
	"github.com/ChuLiYu/beaver-oss/internal/metrics"
	"github.com/ChuLiYu/beaver-oss/internal/storage/journal"
	"github.com/ChuLiYu/beaver-oss/internal/table"
	"github.com/ChuLiYu/beaver-oss/internal/worker"
	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// 預設值，Config 中的零值欄位會套用這些值
const (
	DefaultWatchdog         = 60 * time.Second
	DefaultGracePeriod      = 2 * time.Second
	DefaultHeartbeatTimeout = 5 * time.Second
	DefaultExitTimeout      = 2 * time.Second
	DefaultSnapshotInterval = 500 * time.Millisecond
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrWatchdog 牆鐘看門狗觸發
	ErrWatchdog = errors.New("scheduler: watchdog expired")

	// ErrInvalidConfig 設定無法啟動排程器
	ErrInvalidConfig = errors.New("scheduler: invalid config")

	// ErrAlreadyRun Run 只能呼叫一次
	ErrAlreadyRun = errors.New("scheduler: already run")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 排程器配置
type Config struct {
	LaunchQuota      int           // 總共要啟動的 Worker 數
	MaxConcurrent    int           // 同時執行的 Worker 上限
	TimeLimit        int           // Worker 壽命上限（邏輯秒），壽命取 [1, TimeLimit] 秒
	LaunchIntervalMs int           // 兩次啟動之間的最小邏輯毫秒數
	TableCapacity    int           // 行程表容量，0 表示預設值
	Watchdog         time.Duration // 牆鐘執行上限
	GracePeriod      time.Duration // DRAINING 時等待 Worker 自行結束的時間
	ExitTimeout      time.Duration // 回覆 terminate 後等待 Worker 結束的上限
	HeartbeatTimeout time.Duration // 單次心跳等待上限
	SnapshotInterval time.Duration // 行程表快照的牆鐘間隔
}

// Scheduler 排程器
type Scheduler struct {
	cfg       Config
	clock     *clock.LogicalClock
	table     *table.Table
	admission *admission.Controller
	channel   heartbeat.Channel
	spawner   worker.Spawner

	log      zerolog.Logger
	journal  *journal.Journal
	metrics  *metrics.Collector
	rng      *rand.Rand
	observer Observer
	snapshot rate.Sometimes

	state atomic.Int32
	ran   atomic.Bool

	// 以下欄位只由排程 goroutine 存取
	procs  map[int]worker.Process // 槽位 -> Worker
	cursor int                    // 上一次心跳的槽位
	stats  types.Stats
}

// New 建立排程器
//
// 參數：
//   - clk: 邏輯時鐘（心跳通道與 Worker 共用同一個時鐘讀取）
//   - ch: 心跳通道
//   - sp: Worker 啟動器
//   - cfg: 排程器配置
//   - opts: 選項
//
// 返回值：
//   - *Scheduler: 排程器實例
//   - error: 缺少元件或設定不合法
func New(clk *clock.LogicalClock, ch heartbeat.Channel, sp worker.Spawner, cfg Config, opts ...Option) (*Scheduler, error) {
	if clk == nil || ch == nil || sp == nil {
		return nil, fmt.Errorf("%w: clock, channel and spawner are required", ErrInvalidConfig)
	}

	if cfg.TableCapacity <= 0 {
		cfg.TableCapacity = table.DefaultCapacity
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = DefaultExitTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}

	if cfg.TimeLimit < 1 {
		return nil, fmt.Errorf("%w: time limit %d", ErrInvalidConfig, cfg.TimeLimit)
	}
	if cfg.LaunchIntervalMs < 0 {
		return nil, fmt.Errorf("%w: launch interval %d", ErrInvalidConfig, cfg.LaunchIntervalMs)
	}
	if cfg.MaxConcurrent > cfg.TableCapacity {
		return nil, fmt.Errorf("%w: max concurrent %d exceeds table capacity %d",
			ErrInvalidConfig, cfg.MaxConcurrent, cfg.TableCapacity)
	}

	adm, err := admission.New(admission.Policy{
		LaunchQuota:         cfg.LaunchQuota,
		MaxConcurrent:       cfg.MaxConcurrent,
		MinLaunchIntervalMs: uint64(cfg.LaunchIntervalMs),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	s := &Scheduler{
		cfg:       cfg,
		clock:     clk,
		table:     table.New(cfg.TableCapacity),
		admission: adm,
		channel:   ch,
		spawner:   sp,
		log:       zerolog.Nop(),
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		snapshot:  rate.Sometimes{Interval: cfg.SnapshotInterval},
		procs:     make(map[int]worker.Process),
		cursor:    -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State 返回目前的生命週期狀態（可從任意 goroutine 呼叫）
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Snapshot 返回行程表快照（可從任意 goroutine 呼叫）
func (s *Scheduler) Snapshot() []types.Slot {
	return s.table.Snapshot()
}

// Run 執行排程迴圈直到 TERMINATED
//
// ctx 取消視為中斷（SIGINT）；看門狗逾時以 ErrWatchdog 為 cause 取消內部 context。
// 無論如何結束，都會回收所有 Worker、關閉心跳通道並返回最終統計。
//
// 返回值：
//   - types.Stats: 最終統計
//   - error: 只有心跳通道意外關閉等無法繼續的狀況才返回錯誤
func (s *Scheduler) Run(ctx context.Context) (types.Stats, error) {
	if !s.ran.CompareAndSwap(false, true) {
		return types.Stats{}, ErrAlreadyRun
	}

	started := time.Now()
	wctx, cancel := context.WithTimeoutCause(ctx, s.cfg.Watchdog, ErrWatchdog)
	defer cancel()

	s.log.Info().
		Int("launch_quota", s.cfg.LaunchQuota).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Int("time_limit", s.cfg.TimeLimit).
		Int("launch_interval_ms", s.cfg.LaunchIntervalMs).
		Msg("scheduler started")

	outcome, runErr := s.loop(wctx)

	if outcome != types.OutcomeCompleted {
		s.drain(outcome)
	}
	s.terminate(outcome)

	s.stats.TotalLaunched = s.admission.TotalLaunched()
	s.stats.Outcome = outcome
	s.stats.Clock = s.clock.Now()
	s.stats.Elapsed = time.Since(started)

	s.log.Info().
		Str("outcome", string(outcome)).
		Int("launched", s.stats.TotalLaunched).
		Uint64("messages", s.stats.TotalMessages).
		Int("forced_kills", s.stats.ForcedKills).
		Stringer("clock", s.stats.Clock).
		Dur("elapsed", s.stats.Elapsed).
		Msg("scheduler terminated")

	return s.stats, runErr
}

// ============================================================================
// RUNNING
// ============================================================================

func (s *Scheduler) loop(ctx context.Context) (types.Outcome, error) {
	for !s.admission.Exhausted() || s.table.CountOccupied() > 0 {
		if ctx.Err() != nil {
			return interruptOutcome(ctx), nil
		}

		now := s.clock.Advance(s.table.CountOccupied())

		s.maybeLaunch(ctx, now)

		if err := s.heartbeatNext(ctx); err != nil {
			if ctx.Err() != nil {
				return interruptOutcome(ctx), nil
			}
			s.log.Error().Err(err).Msg("heartbeat channel failed")
			return types.OutcomeInterrupted, err
		}

		s.snapshot.Do(func() { s.logTable("periodic") })
		s.observe()
	}
	return types.OutcomeCompleted, nil
}

func interruptOutcome(ctx context.Context) types.Outcome {
	if errors.Is(context.Cause(ctx), ErrWatchdog) {
		return types.OutcomeTimedOut
	}
	return types.OutcomeInterrupted
}

// maybeLaunch 准入控制通過時啟動一個 Worker
func (s *Scheduler) maybeLaunch(ctx context.Context, now types.ClockTime) {
	if !s.admission.CanLaunch(now.Millis(), s.table.CountOccupied()) {
		return
	}

	idx, ok := s.table.Reserve()
	if !ok {
		s.log.Warn().Stringer("clock", now).Msg("process table full, launch skipped")
		return
	}

	spec := worker.Spec{
		ID:       types.WorkerID(uuid.NewString()),
		Start:    now,
		Deadline: now.Add(s.lifetime()),
	}

	proc, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		// Reserve 不佔用槽位，下一輪重新評估
		s.log.Error().Err(err).Int("slot", idx).Msg("failed to spawn worker")
		return
	}

	if err := s.table.Commit(idx, spec.ID, now); err != nil {
		_ = proc.Kill()
		s.log.Error().Err(err).Int("slot", idx).Msg("failed to commit slot")
		return
	}

	s.procs[idx] = proc
	s.admission.RecordLaunch(now.Millis())
	s.metrics.RecordLaunch()
	s.record(journal.Event{Type: journal.EventLaunch, Slot: idx, WorkerID: spec.ID, Detail: spec.Deadline.String()}, now)

	s.log.Info().
		Int("slot", idx).
		Str("worker", string(spec.ID)).
		Stringer("clock", now).
		Stringer("deadline", spec.Deadline).
		Int("launched", s.admission.TotalLaunched()).
		Msg("worker launched")
	s.logTable("launch")
}

// lifetime 隨機壽命：秒 ∈ [1, TimeLimit]，子秒 ∈ [0, 1e9)
func (s *Scheduler) lifetime() time.Duration {
	sec := 1 + s.rng.IntN(s.cfg.TimeLimit)
	nanos := s.rng.IntN(types.TicksPerSecond)
	return time.Duration(sec)*time.Second + time.Duration(nanos)
}

// heartbeatNext 與下一個被佔用的槽位交換一次心跳
//
// 只有 context 被取消或通道已關閉時返回錯誤。
func (s *Scheduler) heartbeatNext(ctx context.Context) error {
	idx, ok := s.table.NextOccupiedAfter(s.cursor)
	if !ok {
		return nil
	}
	s.cursor = idx

	slot, err := s.table.Get(idx)
	if err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
	began := time.Now()
	cont, err := s.channel.Exchange(hctx, slot.WorkerID)
	cancel()

	now := s.clock.Now()
	switch {
	case err == nil:
		sent, _ := s.table.RecordHeartbeat(idx)
		s.stats.TotalMessages++
		s.metrics.RecordHeartbeat(cont, time.Since(began))
		s.record(journal.Event{Type: journal.EventHeartbeat, Slot: idx, WorkerID: slot.WorkerID, Continue: cont}, now)

		s.log.Debug().
			Int("slot", idx).
			Str("worker", string(slot.WorkerID)).
			Bool("continue", cont).
			Uint64("heartbeats", sent).
			Msg("heartbeat")

		if !cont {
			s.record(journal.Event{Type: journal.EventTerminate, Slot: idx, WorkerID: slot.WorkerID}, now)
			s.awaitExit(idx, slot.WorkerID)
		}
		return nil

	case errors.Is(err, heartbeat.ErrWorkerGone):
		s.stats.ImplicitExits++
		s.record(journal.Event{Type: journal.EventImplicitExit, Slot: idx, WorkerID: slot.WorkerID}, now)
		s.log.Info().Int("slot", idx).Str("worker", string(slot.WorkerID)).Msg("worker exited without replying")
		s.reap(idx, metrics.ReasonImplicit)
		return nil

	case ctx.Err() != nil:
		// 中斷發生在等待期間，放棄這次等待
		return ctx.Err()

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, heartbeat.ErrInFlight):
		s.log.Warn().
			Err(err).
			Int("slot", idx).
			Str("worker", string(slot.WorkerID)).
			Dur("timeout", s.cfg.HeartbeatTimeout).
			Msg("worker unresponsive, killing")
		s.forceKill(idx, metrics.ReasonUnresponsive)
		return nil

	default:
		return fmt.Errorf("heartbeat slot %d: %w", idx, err)
	}
}

// awaitExit 等待回覆 terminate 的 Worker 真正結束，逾 ExitTimeout 則強制終止
func (s *Scheduler) awaitExit(idx int, id types.WorkerID) {
	proc := s.procs[idx]

	timer := time.NewTimer(s.cfg.ExitTimeout)
	defer timer.Stop()

	select {
	case <-proc.Done():
		if err := proc.Err(); err != nil {
			s.log.Warn().Err(err).Int("slot", idx).Str("worker", string(id)).Msg("worker exited abnormally")
		}
		s.log.Info().Int("slot", idx).Str("worker", string(id)).Msg("worker terminated")
		s.reap(idx, metrics.ReasonVoluntary)
	case <-timer.C:
		s.log.Warn().Int("slot", idx).Str("worker", string(id)).Msg("worker did not exit after terminating, killing")
		s.forceKill(idx, metrics.ReasonForced)
	}
}

// ============================================================================
// DRAINING / TERMINATED
// ============================================================================

// drain 通知所有 Worker 結束，在寬限期內回收自行結束的 Worker
func (s *Scheduler) drain(outcome types.Outcome) {
	s.state.Store(int32(StateDraining))
	now := s.clock.Now()
	s.record(journal.Event{Type: journal.EventDrain, Slot: -1, Detail: string(outcome)}, now)

	s.log.Info().
		Str("reason", string(outcome)).
		Int("occupied", len(s.procs)).
		Dur("grace", s.cfg.GracePeriod).
		Msg("draining workers")

	if len(s.procs) == 0 {
		return
	}

	exited := make(chan int, len(s.procs))
	stop := make(chan struct{})
	defer close(stop)

	for _, idx := range s.occupiedSlots() {
		proc := s.procs[idx]
		if err := proc.Signal(); err != nil {
			s.log.Warn().Err(err).Int("slot", idx).Msg("failed to signal worker")
		}
		s.record(journal.Event{Type: journal.EventSignal, Slot: idx, WorkerID: proc.ID()}, now)

		go func(idx int, proc worker.Process) {
			select {
			case <-proc.Done():
				exited <- idx
			case <-stop:
			}
		}(idx, proc)
	}

	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()

	for len(s.procs) > 0 {
		select {
		case idx := <-exited:
			s.reap(idx, metrics.ReasonVoluntary)
		case <-timer.C:
			return
		}
	}
}

// terminate 強制終止剩餘 Worker，關閉通道並落盤日誌
func (s *Scheduler) terminate(outcome types.Outcome) {
	for _, idx := range s.occupiedSlots() {
		s.log.Warn().Int("slot", idx).Str("worker", string(s.procs[idx].ID())).Msg("grace period expired, killing worker")
		s.forceKill(idx, metrics.ReasonForced)
	}

	s.state.Store(int32(StateTerminated))

	if err := s.channel.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close heartbeat channel")
	}

	s.record(journal.Event{Type: journal.EventFinish, Slot: -1, Detail: string(outcome)}, s.clock.Now())
	if err := s.journal.Flush(); err != nil {
		s.log.Warn().Err(err).Msg("failed to flush journal")
	}

	s.logTable("final")
	s.observe()
}

// ============================================================================
// 回收輔助方法
// ============================================================================

// forceKill 強制終止 Worker 並回收槽位
func (s *Scheduler) forceKill(idx int, reason string) {
	proc, ok := s.procs[idx]
	if !ok {
		return
	}
	if err := proc.Kill(); err != nil {
		s.log.Error().Err(err).Int("slot", idx).Msg("failed to kill worker")
	}
	<-proc.Done()

	s.stats.ForcedKills++
	s.record(journal.Event{Type: journal.EventForceKill, Slot: idx, WorkerID: proc.ID(), Detail: reason}, s.clock.Now())
	s.reap(idx, reason)
}

// reap 釋放槽位；同一個槽位重複呼叫是安全的
func (s *Scheduler) reap(idx int, reason string) {
	proc, ok := s.procs[idx]
	if !ok {
		return
	}
	delete(s.procs, idx)

	if !s.table.Release(idx) {
		return
	}
	s.metrics.RecordReap(reason)
	s.metrics.UpdateTable(s.table.CountOccupied(), s.clock.Now())
	s.record(journal.Event{Type: journal.EventReap, Slot: idx, WorkerID: proc.ID(), Detail: reason}, s.clock.Now())
}

func (s *Scheduler) occupiedSlots() []int {
	slots := make([]int, 0, len(s.procs))
	for idx := range s.procs {
		slots = append(slots, idx)
	}
	sort.Ints(slots)
	return slots
}

func (s *Scheduler) record(e journal.Event, now types.ClockTime) {
	if err := s.journal.Append(e.At(now)); err != nil {
		s.log.Warn().Err(err).Str("event", string(e.Type)).Msg("failed to append journal event")
	}
}

func (s *Scheduler) observe() {
	if s.observer != nil {
		s.observer(s.State(), s.clock.Now(), s.table.Snapshot())
	}
}
