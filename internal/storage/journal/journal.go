package journal

// ============================================================================
// 排程器事件日誌（Journal）
// 職責：
// 1. 以 append-only JSON lines 記錄排程器的每個生命週期事件
// 2. 每個事件帶有遞增序號與 CRC32 校驗和
// 3. 提供重放功能，供 inspect 命令重建每個 Worker 的歷程
// 4. 批次寫入，結束時 Close 確保全部落盤
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 日誌寫入設定
type Options struct {
	BufferSize    int           // 緩衝事件數，達到即 flush
	FlushInterval time.Duration // 距上次 flush 超過此時間即 flush
	SyncOnFlush   bool          // flush 後是否 fsync
}

// DefaultOptions 預設寫入設定
func DefaultOptions() Options {
	return Options{
		BufferSize:    256,
		FlushInterval: time.Second,
		SyncOnFlush:   false,
	}
}

// Journal 表示事件日誌實例
// nil *Journal 是合法的 no-op 日誌
type Journal struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // 日誌檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // 日誌檔案路徑
	seq     uint64        // 當前事件序號
	closed  bool

	buffer        []Event // 批次寫入緩衝區
	opts          Options
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個日誌

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path - 日誌檔案路徑
	opts - 寫入設定

回傳：

	*Journal 實例，錯誤（如果有）
*/
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultOptions().FlushInterval
	}

	seq, err := lastSeq(path)
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		buffer:        make([]Event, 0, opts.BufferSize),
		opts:          opts,
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件
//
// 行為：
// - 自動遞增 seq
// - 填入時間戳並計算 checksum
// - 先寫入緩衝區，滿了或超時才 flush
func (j *Journal) Append(e Event) error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.seq++
	e.Seq = j.seq
	e.Timestamp = time.Now().UnixMilli()
	e.Checksum = CalculateChecksum(e)
	j.buffer = append(j.buffer, e)

	if len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 將緩衝區寫入檔案
func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Replay 重放日誌中所有已落盤的事件（會先 flush）
func (j *Journal) Replay(handler EventHandler) error {
	if j == nil {
		return nil
	}
	if err := j.Flush(); err != nil {
		return err
	}
	return Replay(j.path, handler)
}

// LastSeq 取得當前的事件序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 取得日誌檔案路徑
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Close 關閉日誌；關閉後的實例不可再使用
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	flushErr := j.flushLocked()
	closeErr := j.file.Close()
	return errors.Join(flushErr, closeErr)
}

// Replay 從頭讀取日誌檔案，驗證每個事件並呼叫 handler
//
// 行為：
// - 驗證每個事件的 checksum
// - 驗證 seq 嚴格遞增
// - 遇到錯誤立即停止
// - 檔案不存在視為空日誌
func Replay(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var (
		line    int
		prevSeq uint64
	)
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if event.Seq <= prevSeq {
			return fmt.Errorf("%w: seq %d after %d", ErrSequenceGap, event.Seq, prevSeq)
		}
		prevSeq = event.Seq

		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 j.mu 鎖
func (j *Journal) flushLocked() error {
	for _, event := range j.buffer {
		if err := j.encoder.Encode(event); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if j.opts.SyncOnFlush {
		return j.file.Sync()
	}
	return nil
}

// lastSeq 掃描既有檔案，回傳最後一個事件的 seq
func lastSeq(path string) (uint64, error) {
	var seq uint64
	err := Replay(path, func(e Event) error {
		seq = e.Seq
		return nil
	})
	return seq, err
}
