// Package types 定義了 beaver-oss 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// TicksPerSecond 邏輯時鐘每秒的子單位數（奈秒）
const TicksPerSecond = 1_000_000_000

// WorkerID Worker 唯一識別碼（不透明字串）
type WorkerID string

// ClockTime 邏輯時鐘的快照值
// 不變量：Nanos < TicksPerSecond
type ClockTime struct {
	Seconds uint32 `json:"seconds"` // 秒
	Nanos   uint32 `json:"nanos"`   // 子秒（奈秒）
}

// ClockFromNanos 將總奈秒數轉換為 ClockTime
func ClockFromNanos(total uint64) ClockTime {
	return ClockTime{
		Seconds: uint32(total / TicksPerSecond),
		Nanos:   uint32(total % TicksPerSecond),
	}
}

// TotalNanos 返回自時鐘起點以來的總奈秒數
func (c ClockTime) TotalNanos() uint64 {
	return uint64(c.Seconds)*TicksPerSecond + uint64(c.Nanos)
}

// Add 返回加上 d 之後的時間，子秒溢位進位至秒
func (c ClockTime) Add(d time.Duration) ClockTime {
	if d < 0 {
		d = 0
	}
	return ClockFromNanos(c.TotalNanos() + uint64(d))
}

// Before 回報 c 是否早於 other
func (c ClockTime) Before(other ClockTime) bool {
	if c.Seconds != other.Seconds {
		return c.Seconds < other.Seconds
	}
	return c.Nanos < other.Nanos
}

// Millis 以毫秒表示的時間，用於啟動節流判斷
func (c ClockTime) Millis() uint64 {
	return uint64(c.Seconds)*1000 + uint64(c.Nanos)/1_000_000
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%d:%09d", c.Seconds, c.Nanos)
}

// Slot 行程表中單一槽位的唯讀快照
// Occupied 為 false 時其他欄位皆為零值
type Slot struct {
	Index          int       `json:"index"`           // 槽位編號
	Occupied       bool      `json:"occupied"`        // 是否被佔用
	WorkerID       WorkerID  `json:"worker_id"`       // 佔用此槽位的 Worker
	Start          ClockTime `json:"start"`           // Worker 啟動時的邏輯時間
	HeartbeatsSent uint64    `json:"heartbeats_sent"` // 已完成的心跳交換次數
}

// Outcome 排程器結束原因
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"   // 配額用盡且所有 Worker 已結束
	OutcomeInterrupted Outcome = "interrupted" // 收到中斷訊號
	OutcomeTimedOut    Outcome = "timeout"     // 牆鐘看門狗觸發
)

// Stats 排程器結束時的統計資料
type Stats struct {
	TotalLaunched int           `json:"total_launched"` // 累計啟動的 Worker 數
	TotalMessages uint64        `json:"total_messages"` // 累計成功的心跳交換數
	ForcedKills   int           `json:"forced_kills"`   // 被強制終止的 Worker 數
	ImplicitExits int           `json:"implicit_exits"` // 未回覆即已退出的 Worker 數
	Outcome       Outcome       `json:"outcome"`        // 結束原因
	Clock         ClockTime     `json:"clock"`          // 結束時的邏輯時間
	Elapsed       time.Duration `json:"elapsed"`        // 實際經過的牆鐘時間
}

// Report 執行結束後寫出的報告，用於事後檢視
type Report struct {
	SchemaVer   int       `json:"schema_ver"`   // 資料結構版本號
	GeneratedAt int64     `json:"generated_at"` // 產生時間（Unix 毫秒）
	Stats       Stats     `json:"stats"`        // 最終統計
	Table       []Slot    `json:"table"`        // 最終行程表
	Settings    RunParams `json:"settings"`     // 本次執行的參數
}

// RunParams 記錄於報告中的執行參數
type RunParams struct {
	LaunchQuota      int    `json:"launch_quota"`
	MaxConcurrent    int    `json:"max_concurrent"`
	TimeLimitSeconds int    `json:"time_limit_seconds"`
	LaunchIntervalMs int    `json:"launch_interval_ms"`
	Mode             string `json:"mode"`
}
