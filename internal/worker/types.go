package worker

import (
	"context"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// Spec 啟動一個 Worker 所需的參數
type Spec struct {
	ID       types.WorkerID  // Worker 識別碼（由排程器指派）
	Start    types.ClockTime // 啟動時的邏輯時間
	Deadline types.ClockTime // 邏輯時鐘到達此時間後 Worker 回覆終止
}

// Process 已啟動 Worker 的控制把手
type Process interface {
	ID() types.WorkerID

	// Signal 非同步地要求 Worker 自行結束（優雅關閉）
	Signal() error

	// Kill 強制終止 Worker
	Kill() error

	// Done 在 Worker 結束後關閉
	Done() <-chan struct{}

	// Err 返回異常結束的原因；正常結束為 nil。僅在 Done 關閉後有意義
	Err() error
}

// Spawner 建立 Worker 的抽象，排程器不關心 Worker 是 goroutine 還是子行程
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}
