// ============================================================================
// RoadGuard Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露事故處理與指令下發的運行指標
//
// 指標分類:
//
//   1. 事故計數器 (Counter)：
//      - roadguard_incidents_reported_total: 回報事故總數
//      - roadguard_incident_transitions_total{status}: 進入各狀態的次數
//      - roadguard_incidents_overridden_total: 審核者覆寫決策次數
//      - roadguard_engine_fallbacks_total{reason}: 決策引擎降級次數
//      - roadguard_analysis_failures_total{component}: oracle / matcher 失敗次數
//
//   2. 指令計數器 (Counter)：
//      - roadguard_commands_sent_total: 指令送出次數（含重送）
//      - roadguard_commands_acked_total: 節點確認次數
//      - roadguard_command_delivery_failures_total: 重試耗盡次數
//
//   3. 效能指標 (Histogram)：
//      - roadguard_analysis_duration_seconds: 分析（oracle ∥ matcher）耗時
//      - roadguard_review_duration_seconds: 回報到審核結果的時間
//
//   4. 狀態指標 (Gauge)：
//      - roadguard_nodes_connected: 目前連線節點數
//      - roadguard_incidents_awaiting_review: 等待審核的事故數
//      - roadguard_recovery_time_seconds: 最近一次恢復時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘事故數
//   rate(roadguard_incidents_reported_total[1m])
//
//   # 逾時比例
//   rate(roadguard_incident_transitions_total{status="EXPIRED"}[1h])
//     / rate(roadguard_incidents_reported_total[1h])
//
// 所有 Record* 方法可在 nil *Collector 上呼叫（停用指標時）。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/roadguard/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 事故相關指標
	incidentsReported prometheus.Counter
	transitions       *prometheus.CounterVec
	overrides         prometheus.Counter
	engineFallbacks   *prometheus.CounterVec
	analysisFailures  *prometheus.CounterVec
	analysisDuration  prometheus.Histogram
	reviewDuration    prometheus.Histogram
	incidentsInReview prometheus.Gauge
	commandsSent      prometheus.Counter
	commandsAcked     prometheus.Counter
	deliveryFailures  prometheus.Counter
	nodesConnected    prometheus.Gauge
	recoveryTime      prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		incidentsReported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadguard_incidents_reported_total",
			Help: "Total number of incidents created from node reports",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadguard_incident_transitions_total",
			Help: "Incident state transitions by target status",
		}, []string{"status"}),
		overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadguard_incidents_overridden_total",
			Help: "Confirmations where the reviewer replaced the engine decision",
		}),
		engineFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadguard_engine_fallbacks_total",
			Help: "Decision engine degradations by reason",
		}, []string{"reason"}),
		analysisFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadguard_analysis_failures_total",
			Help: "Failed severity or lane-match calls",
		}, []string{"component"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roadguard_analysis_duration_seconds",
			Help:    "Time to join severity and lane-match results",
			Buckets: prometheus.DefBuckets,
		}),
		reviewDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "roadguard_review_duration_seconds",
			Help:    "Time from report to reviewer decision",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 120},
		}),
		incidentsInReview: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roadguard_incidents_awaiting_review",
			Help: "Incidents in REPORTED or PENDING_REVIEW",
		}),
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadguard_commands_sent_total",
			Help: "Command frames written to node connections, retries included",
		}),
		commandsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadguard_commands_acked_total",
			Help: "Commands acknowledged by nodes",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadguard_command_delivery_failures_total",
			Help: "Commands abandoned after exhausting retries",
		}),
		nodesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roadguard_nodes_connected",
			Help: "Nodes with a live connection",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roadguard_recovery_time_seconds",
			Help: "Time taken to restore the registry at startup",
		}),
	}

	reg.MustRegister(
		c.incidentsReported,
		c.transitions,
		c.overrides,
		c.engineFallbacks,
		c.analysisFailures,
		c.analysisDuration,
		c.reviewDuration,
		c.incidentsInReview,
		c.commandsSent,
		c.commandsAcked,
		c.deliveryFailures,
		c.nodesConnected,
		c.recoveryTime,
	)
	return c
}

// RecordReported 記錄新事故
func (c *Collector) RecordReported() {
	if c == nil {
		return
	}
	c.incidentsReported.Inc()
}

// RecordTransition 記錄狀態轉換
func (c *Collector) RecordTransition(to types.IncidentStatus) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(to)).Inc()
}

// RecordReview 記錄審核結果與耗時
func (c *Collector) RecordReview(sinceReport time.Duration, overridden bool) {
	if c == nil {
		return
	}
	c.reviewDuration.Observe(sinceReport.Seconds())
	if overridden {
		c.overrides.Inc()
	}
}

// RecordEngineFallback 記錄決策引擎降級
func (c *Collector) RecordEngineFallback(reason string) {
	if c == nil {
		return
	}
	c.engineFallbacks.WithLabelValues(reason).Inc()
}

// RecordAnalysis 記錄分析耗時與失敗
func (c *Collector) RecordAnalysis(d time.Duration, oracleFailed, matcherFailed bool) {
	if c == nil {
		return
	}
	c.analysisDuration.Observe(d.Seconds())
	if oracleFailed {
		c.analysisFailures.WithLabelValues("oracle").Inc()
	}
	if matcherFailed {
		c.analysisFailures.WithLabelValues("matcher").Inc()
	}
}

// SetAwaitingReview 更新等待審核的事故數
func (c *Collector) SetAwaitingReview(n int) {
	if c == nil {
		return
	}
	c.incidentsInReview.Set(float64(n))
}

// RecordCommandSent 記錄指令送出
func (c *Collector) RecordCommandSent() {
	if c == nil {
		return
	}
	c.commandsSent.Inc()
}

// RecordCommandAcked 記錄指令確認
func (c *Collector) RecordCommandAcked() {
	if c == nil {
		return
	}
	c.commandsAcked.Inc()
}

// RecordDeliveryFailed 記錄重試耗盡
func (c *Collector) RecordDeliveryFailed() {
	if c == nil {
		return
	}
	c.deliveryFailures.Inc()
}

// SetConnectedNodes 更新連線節點數
func (c *Collector) SetConnectedNodes(n int) {
	if c == nil {
		return
	}
	c.nodesConnected.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
