package report

// ============================================================================
// 職責說明：
// 1. 將排程器結束時的統計與行程表序列化為 JSON 報告
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// SchemaVersion 目前的報告格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Writer 報告寫入器
// nil *Writer 是合法的 no-op
type Writer struct {
	path string     // 報告檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewWriter 建立報告寫入器
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write 原子性寫入報告
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - r: 報告內容；SchemaVer 與 GeneratedAt 由此方法填入
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (w *Writer) Write(r types.Report) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	r.SchemaVer = SchemaVersion
	r.GeneratedAt = time.Now().UnixMilli()

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(w.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}

	return nil
}

// Path 取得報告檔案路徑
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Load 載入並驗證報告
//
// 返回值：
//   - types.Report: 報告內容
//   - error: ErrReportNotFound、ErrCorruptedReport 或 ErrIncompatibleVersion
func Load(path string) (types.Report, error) {
	var r types.Report

	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, fmt.Errorf("%w: %s", ErrReportNotFound, path)
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}

	if r.SchemaVer != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, SchemaVersion)
	}

	return r, nil
}
