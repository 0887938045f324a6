// ============================================================================
// Beaver-OSS Worker Pool - goroutine Worker 啟動器（task 模式）
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以 goroutine 執行 Worker，透過 MemoryChannel 與排程器交換心跳
//
// 架構組件:
//   ┌─────────────┐   Spawn(spec)   ┌──────────────┐
//   │  Scheduler  │ ──────────────→ │    Pool      │
//   └─────────────┘                 │  ┌────────┐  │
//         │  Exchange(id)           │  │ task 1 │──┼── Mailbox
//         └───────────────────────→ │  │ task 2 │──┼── Mailbox
//              MemoryChannel        │  └────────┘  │
//                                   └──────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool，綁定 MemoryChannel
//   2. Spawn(spec) - 先 Attach 信箱，再啟動 goroutine，確保排程器下一輪即可交換心跳
//   3. Signal() - 取消 Worker 的 context，Worker 在下一次等待時結束
//   4. Kill() - 取消 context 並立即拆除信箱，不等待 goroutine 返回
//   5. Close()/Wait() - 拒絕新的 Spawn，等待所有 goroutine 結束
//
// 並發控制:
//   - WaitGroup: 追蹤所有 Worker goroutine
//   - Mutex: 保護 closed 狀態與執行中 Worker 表
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-oss/internal/heartbeat"
	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉，無法再啟動 Worker
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrKilled 表示 Worker 被強制終止
	ErrKilled = errors.New("worker killed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// RunFunc Worker goroutine 執行的主體，ctx 在 Signal 或 Kill 時取消
type RunFunc func(ctx context.Context, link heartbeat.Link, spec Spec, log zerolog.Logger) error

// DefaultRun 預設主體：執行心跳回應迴圈
func DefaultRun(ctx context.Context, link heartbeat.Link, spec Spec, log zerolog.Logger) error {
	_, err := Run(ctx, link, spec.Deadline, log)
	return err
}

// PoolOption 設定 Pool 的可選參數
type PoolOption func(*Pool)

// WithRunFunc 替換 Worker 主體（測試用於模擬不回應或拒絕結束的 Worker）
func WithRunFunc(fn RunFunc) PoolOption {
	return func(p *Pool) { p.run = fn }
}

// WithPoolLogger 設定 Pool 使用的 logger
func WithPoolLogger(log zerolog.Logger) PoolOption {
	return func(p *Pool) { p.log = log }
}

// Pool goroutine Worker 的啟動器，實作 Spawner
type Pool struct {
	channel *heartbeat.MemoryChannel // Worker 使用的心跳通道
	run     RunFunc                  // Worker 主體
	log     zerolog.Logger

	wg      sync.WaitGroup           // 等待所有 Worker goroutine 結束
	mu      sync.Mutex               // 保護 closed 與 running
	closed  bool                     // 標誌 Pool 是否已關閉
	running map[types.WorkerID]*task // 執行中的 Worker
}

// task 單一 goroutine Worker 的控制把手
type task struct {
	id      types.WorkerID
	cancel  context.CancelFunc
	mailbox *heartbeat.Mailbox
	done    chan struct{}
	once    sync.Once
	err     error
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - ch: Worker 附加的 MemoryChannel
//   - opts: 可選設定
//
// 返回值：
//   - *Pool: Worker Pool 實例
func NewPool(ch *heartbeat.MemoryChannel, opts ...PoolOption) *Pool {
	p := &Pool{
		channel: ch,
		run:     DefaultRun,
		log:     zerolog.Nop(),
		running: make(map[types.WorkerID]*task),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Spawn 啟動一個 goroutine Worker
// 參數：
//   - ctx: 僅用於檢查呼叫者是否已取消；Worker 的生命週期不受其約束
//   - spec: Worker 參數
//
// 返回值：
//   - Process: Worker 控制把手
//   - error: Pool 已關閉、識別碼重複或 ctx 已取消
func (p *Pool) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	// 先附加信箱，避免排程器在 goroutine 啟動前就找不到 Worker
	mb, err := p.channel.Attach(spec.ID)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:      spec.ID,
		cancel:  cancel,
		mailbox: mb,
		done:    make(chan struct{}),
	}
	p.running[spec.ID] = t

	log := p.log.With().Str("worker", string(spec.ID)).Logger()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.run(wctx, mb, spec, log)
		if errors.Is(err, context.Canceled) {
			err = nil // 收到終止訊號視為正常結束
		}
		t.finish(err)

		p.mu.Lock()
		delete(p.running, spec.ID)
		p.mu.Unlock()
	}()

	return t, nil
}

// Running 返回目前仍在執行的 Worker 數量
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Close 停止接受新的 Spawn
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Wait 等待所有 Worker goroutine 結束
func (p *Pool) Wait() {
	p.wg.Wait()
}

// ============================================================================
// Process 實作
// ============================================================================

func (t *task) ID() types.WorkerID { return t.id }

func (t *task) Signal() error {
	t.cancel()
	return nil
}

// Kill 取消 context 並拆除信箱；Done 立即關閉
func (t *task) Kill() error {
	t.cancel()
	_ = t.mailbox.Close()
	t.finish(ErrKilled)
	return nil
}

func (t *task) Done() <-chan struct{} { return t.done }

func (t *task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// finish 只有第一次呼叫生效
func (t *task) finish(err error) {
	t.once.Do(func() {
		_ = t.mailbox.Close()
		t.err = err
		close(t.done)
	})
}
