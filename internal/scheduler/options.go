package scheduler

import (
	"math/rand/v2"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/beaver-oss/internal/metrics"
	"github.com/ChuLiYu/beaver-oss/internal/storage/journal"
	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// Observer 每次迴圈結束時被呼叫，收到當時的狀態、邏輯時間與行程表快照
// 在排程器的 goroutine 中同步執行，不可阻塞
type Observer func(state State, now types.ClockTime, slots []types.Slot)

// Option 排程器選項
type Option func(*Scheduler)

// WithLogger 設定 logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log.With().Str("component", "scheduler").Logger()
	}
}

// WithJournal 記錄生命週期事件到日誌；nil 表示不記錄
func WithJournal(j *journal.Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithMetrics 更新 Prometheus 指標；nil 表示不收集
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRand 指定 Worker 壽命的亂數來源，測試時用固定種子
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithObserver 設定每輪迴圈的觀察者
func WithObserver(fn Observer) Option {
	return func(s *Scheduler) { s.observer = fn }
}
