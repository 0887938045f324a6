// ============================================================================
// Beaver-OSS Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - oss_workers_launched_total: 已啟動 Worker 總數
//      - oss_heartbeats_total{reply}: 心跳交換次數（reply = continue | terminate）
//      - oss_workers_reaped_total{reason}: 已回收 Worker 總數
//        reason = voluntary | implicit | forced | unresponsive
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - oss_heartbeat_latency_seconds: 單次心跳往返延遲（牆鐘）
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - oss_slots_occupied: 當前佔用的行程表槽位數
//      - oss_logical_clock_seconds: 邏輯時鐘目前的值
//
// Prometheus 查詢示例:
//
//   # 強制終止比例
//   oss_workers_reaped_total{reason="forced"} / oss_workers_launched_total
//
//   # 95 分位心跳延遲
//   histogram_quantile(0.95, oss_heartbeat_latency_seconds_bucket)
//
// HTTP 端點:
//   run 命令啟用 metrics 時透過 /metrics 暴露
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// 回收原因標籤值
const (
	ReasonVoluntary    = "voluntary"    // 回覆終止後自行結束
	ReasonImplicit     = "implicit"     // 未回覆即已結束
	ReasonForced       = "forced"       // 寬限期後被強制終止
	ReasonUnresponsive = "unresponsive" // 心跳逾時被強制終止
)

// Collector Prometheus 指標收集器
// nil *Collector 的所有方法皆為 no-op
type Collector struct {
	launched  prometheus.Counter
	heartbeat *prometheus.CounterVec
	reaped    *prometheus.CounterVec
	latency   prometheus.Histogram
	occupied  prometheus.Gauge
	clock     prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊目標；測試時傳入獨立的 prometheus.NewRegistry()
//
// 返回值：
//   - *Collector: 收集器
//   - error: 重複註冊等錯誤
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		launched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oss_workers_launched_total",
			Help: "Total number of workers launched",
		}),
		heartbeat: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oss_heartbeats_total",
			Help: "Total number of heartbeat exchanges, by reply",
		}, []string{"reply"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oss_workers_reaped_total",
			Help: "Total number of workers reaped, by reason",
		}, []string{"reason"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "oss_heartbeat_latency_seconds",
			Help:    "Wall-clock round trip of one heartbeat exchange",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		occupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oss_slots_occupied",
			Help: "Current number of occupied process table slots",
		}),
		clock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oss_logical_clock_seconds",
			Help: "Current value of the logical clock in seconds",
		}),
	}

	for _, col := range []prometheus.Collector{c.launched, c.heartbeat, c.reaped, c.latency, c.occupied, c.clock} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	// 預先建立標籤組合，讓 /metrics 從一開始就列出 0 值
	c.heartbeat.WithLabelValues("continue")
	c.heartbeat.WithLabelValues("terminate")
	for _, r := range []string{ReasonVoluntary, ReasonImplicit, ReasonForced, ReasonUnresponsive} {
		c.reaped.WithLabelValues(r)
	}

	return c, nil
}

// RecordLaunch 記錄 Worker 啟動
func (c *Collector) RecordLaunch() {
	if c == nil {
		return
	}
	c.launched.Inc()
}

// RecordHeartbeat 記錄一次成功的心跳交換
func (c *Collector) RecordHeartbeat(cont bool, latency time.Duration) {
	if c == nil {
		return
	}
	reply := "terminate"
	if cont {
		reply = "continue"
	}
	c.heartbeat.WithLabelValues(reply).Inc()
	c.latency.Observe(latency.Seconds())
}

// RecordReap 記錄 Worker 被回收
func (c *Collector) RecordReap(reason string) {
	if c == nil {
		return
	}
	c.reaped.WithLabelValues(reason).Inc()
}

// UpdateTable 更新行程表佔用數與邏輯時鐘
func (c *Collector) UpdateTable(occupied int, now types.ClockTime) {
	if c == nil {
		return
	}
	c.occupied.Set(float64(occupied))
	c.clock.Set(float64(now.TotalNanos()) / float64(types.TicksPerSecond))
}

// ============================================================================
// HTTP 伺服器
// ============================================================================

// Server /metrics HTTP 伺服器
type Server struct {
	srv *http.Server
	lis net.Listener
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口（0 表示自動分配）
//   - g: 指標來源
//
// 返回值：
//   - *Server: 已開始服務的伺服器
//   - error: 監聽失敗的錯誤
func StartServer(port int, g prometheus.Gatherer) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		lis: lis,
	}
	go func() {
		_ = s.srv.Serve(lis)
	}()
	return s, nil
}

// Addr 返回實際監聽位址
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Shutdown 優雅關閉伺服器
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
