// Package logging 建立排程器與 Worker 共用的 zerolog logger
//
// 輸出目標：
//   - console: zerolog.ConsoleWriter（人類可讀）
//   - file: JSON lines，以 zerolog.SyncWriter 保護並發寫入
//
// 兩者以 zerolog.MultiLevelWriter 合併。
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "15:04:05.000"

// Config 日誌設定
type Config struct {
	Level   string    // trace | debug | info | warn | error
	Console bool      // 是否輸出到 console
	File    string    // 日誌檔路徑，空字串表示不寫檔
	Out     io.Writer // console 目標，nil 時為 os.Stdout
}

func init() {
	zerolog.ErrorFieldName = "err"
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New 依設定建立 logger
//
// 返回值：
//   - zerolog.Logger: root logger
//   - io.Closer: 關閉日誌檔（沒有檔案時為 no-op）
//   - error: 無法開啟日誌檔
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	var closer io.Closer = nopCloser{}
	writers := make([]io.Writer, 0, 2)

	if cfg.Console {
		out := cfg.Out
		if out == nil {
			out = os.Stdout
		}
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat})
	}

	if path := strings.TrimSpace(cfg.File); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file %q: %w", path, err)
		}
		closer = f
		writers = append(writers, zerolog.SyncWriter(f))
	}

	if len(writers) == 0 {
		return zerolog.Nop(), closer, nil
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return zl, closer, nil
}

// ParseLevel 解析等級字串，無法辨識時返回 def
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// ValidLevel 回報 s 是否為可辨識的等級（空字串視為預設值）
func ValidLevel(s string) bool {
	if strings.TrimSpace(s) == "" {
		return true
	}
	return ParseLevel(s, zerolog.NoLevel) != zerolog.NoLevel
}
