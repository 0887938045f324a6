// ============================================================================
// 行程表（Process Table）
// ============================================================================
//
// Package: internal/table
// 文件: table.go
// 功能: 固定容量的 Worker 槽位表，追蹤每個執行中的 Worker
//
// 兩階段配置:
//   1. Reserve() - 找出第一個空槽位，但不標記佔用
//   2. Commit()  - Worker 成功啟動後才標記佔用
//   啟動失敗時呼叫 Release() 放棄保留，表格狀態不受影響
//
// 不變量:
//   - Occupied == false 時，其餘欄位皆為零值
//   - 一個槽位在成功啟動與對應回收之間只會被佔用一次
//   - Release() 為冪等操作
//
// 並發安全:
//   排程器是唯一的寫入者；RWMutex 讓 metrics 與觀察者可同時讀取快照
//
// ============================================================================

package table

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// DefaultCapacity 預設槽位數量
const DefaultCapacity = 20

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrSlotOutOfRange 槽位編號超出範圍
	ErrSlotOutOfRange = errors.New("table: slot index out of range")
	// ErrSlotOccupied 槽位已被佔用，無法再次 Commit
	ErrSlotOccupied = errors.New("table: slot already occupied")
)

// ============================================================================
// 資料結構定義
// ============================================================================

type slot struct {
	occupied   bool
	workerID   types.WorkerID
	start      types.ClockTime
	heartbeats uint64
}

// Table 固定容量的行程表
type Table struct {
	mu    sync.RWMutex
	slots []slot
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立指定容量的行程表
//
// 參數：
//   - capacity: 槽位數量，小於 1 時使用 DefaultCapacity
//
// 返回值：
//   - *Table: 所有槽位皆為空的行程表
func New(capacity int) *Table {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Table{slots: make([]slot, capacity)}
}

// Capacity 返回槽位總數
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Reserve 找出第一個未佔用的槽位（第一階段）
//
// 返回值：
//   - int: 槽位編號，表格已滿時為 -1
//   - bool: 是否找到空槽位
//
// 注意：此方法不會標記佔用，需在 Worker 成功啟動後呼叫 Commit
func (t *Table) Reserve() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.slots {
		if !t.slots[i].occupied {
			return i, true
		}
	}
	return -1, false
}

// Commit 將保留的槽位標記為已佔用（第二階段）
//
// 參數：
//   - index: Reserve 返回的槽位編號
//   - id: Worker 識別碼
//   - start: Worker 啟動時的邏輯時間
//
// 返回值：
//   - error: ErrSlotOutOfRange 或 ErrSlotOccupied
func (t *Table) Commit(index int, id types.WorkerID, start types.ClockTime) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.slots) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	if t.slots[index].occupied {
		return fmt.Errorf("%w: %d", ErrSlotOccupied, index)
	}

	t.slots[index] = slot{
		occupied: true,
		workerID: id,
		start:    start,
	}
	return nil
}

// Release 清空槽位，冪等
//
// 返回值：
//   - bool: 本次呼叫是否實際清空了一個已佔用的槽位
func (t *Table) Release(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.slots) || !t.slots[index].occupied {
		return false
	}
	t.slots[index] = slot{}
	return true
}

// CountOccupied 返回目前被佔用的槽位數
func (t *Table) CountOccupied() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for i := range t.slots {
		if t.slots[i].occupied {
			n++
		}
	}
	return n
}

// NextOccupiedAfter 從 (index+1) mod N 開始環狀掃描，返回下一個已佔用的槽位
//
// 參數：
//   - index: 上一次的心跳目標；-1 表示從槽位 0 開始
//
// 返回值：
//   - int: 槽位編號，表格為空時為 -1
//   - bool: 是否找到
//
// 掃描最多繞一圈，因此只有 index 本身被佔用時會返回 index
func (t *Table) NextOccupiedAfter(index int) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.slots)
	if index < -1 || index >= n {
		index = -1
	}
	for step := 1; step <= n; step++ {
		i := (index + step) % n
		if t.slots[i].occupied {
			return i, true
		}
	}
	return -1, false
}

// RecordHeartbeat 槽位心跳計數加一，返回新的計數
func (t *Table) RecordHeartbeat(index int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.slots) {
		return 0, fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	if !t.slots[index].occupied {
		return 0, nil
	}
	t.slots[index].heartbeats++
	return t.slots[index].heartbeats, nil
}

// Get 返回單一槽位的快照
func (t *Table) Get(index int) (types.Slot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index < 0 || index >= len(t.slots) {
		return types.Slot{}, fmt.Errorf("%w: %d", ErrSlotOutOfRange, index)
	}
	return t.slots[index].view(index), nil
}

// Snapshot 返回所有槽位的快照（依編號排序）
func (t *Table) Snapshot() []types.Slot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Slot, len(t.slots))
	for i := range t.slots {
		out[i] = t.slots[i].view(i)
	}
	return out
}

// Occupied 返回所有已佔用槽位的快照
func (t *Table) Occupied() []types.Slot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Slot, 0, len(t.slots))
	for i := range t.slots {
		if t.slots[i].occupied {
			out = append(out, t.slots[i].view(i))
		}
	}
	return out
}

func (s slot) view(index int) types.Slot {
	return types.Slot{
		Index:          index,
		Occupied:       s.occupied,
		WorkerID:       s.workerID,
		Start:          s.start,
		HeartbeatsSent: s.heartbeats,
	}
}
