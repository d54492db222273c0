// ============================================================================
// RoadGuard 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝所有模組，負責啟動恢復、背景循環與優雅關閉
//
// 架構設計:
//   這是整個中央服務的"大腦"，負責協調以下組件：
//   - nodes.Registry:    節點與車道設定（YAML，熱重載）
//   - audit.Store:       稽核紀錄（SQLite）
//   - incident.Registry: 事故狀態機與審核期限
//   - gateway.Gateway:   節點連線與指令下發
//   - worker.Pool:       嚴重度分析與車道比對
//   - snapshot.Manager:  定期快照，重啟後恢復未完成的事故
//   - wal.WAL:           事故日誌，補上最後一次快照之後的變更
//
// 背景循環:
//   1. Result Loop   - 接收分析結果，交給事故登錄表產生建議決策
//   2. Snapshot Loop - 定期寫入快照（保留備份）
//   3. Watch Loop    - 監看節點設定檔，變更時重載
//
// 崩潰恢復流程（Start）:
//   1. 載入快照，重放事故日誌（同一事故以最後一筆為準）
//   2. 啟動 Worker Pool 與結果循環（恢復時可能重新送分析）
//   3. incident.Restore():
//        - 停機期間已過審核期限者 -> EXPIRED
//        - REPORTED -> 重新分析
//        - CONFIRMED 且未失敗 -> 以原 commandId 重新下發
//   4. 啟動快照循環與設定監看
//
// 關閉順序（Stop）:
//   1. close(stopCh)，取消設定監看
//   2. gateway.Close()  - 停止重試並關閉連線
//   3. pool.Stop()      - 結果循環隨之退出
//   4. loopWg.Wait()
//   5. registry.Close() - 停止審核計時器
//   6. 最後一次快照，關閉事故日誌、稽核庫與分析連線
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/roadguard/internal/analysis"
	"github.com/ChuLiYu/roadguard/internal/audit"
	"github.com/ChuLiYu/roadguard/internal/config"
	"github.com/ChuLiYu/roadguard/internal/decision"
	"github.com/ChuLiYu/roadguard/internal/gateway"
	"github.com/ChuLiYu/roadguard/internal/incident"
	"github.com/ChuLiYu/roadguard/internal/metrics"
	"github.com/ChuLiYu/roadguard/internal/nodes"
	"github.com/ChuLiYu/roadguard/internal/snapshot"
	"github.com/ChuLiYu/roadguard/internal/storage/wal"
	"github.com/ChuLiYu/roadguard/internal/worker"
	"github.com/ChuLiYu/roadguard/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Controller 核心控制器
type Controller struct {
	cfg *config.Config

	nodes    *nodes.Registry
	audit    *audit.Store // audit.enabled=false 時為 nil
	journal  *wal.WAL     // journal.enabled=false 時為 nil
	registry *incident.Registry
	gateway  *gateway.Gateway
	snapshot *snapshot.Manager
	pool     *worker.Pool
	metrics  *metrics.Collector // metrics.enabled=false 時為 nil
	gatherer prometheus.Gatherer
	client   *analysis.Client // 使用遠端分析服務時才有

	mu          sync.Mutex
	started     bool
	recovered   bool // 恢復完成後才允許 Stop 覆寫快照
	stopped     bool
	startTime   time.Time
	stopCh      chan struct{}
	watchCancel context.CancelFunc
	loopWg      sync.WaitGroup
}

// Option 設定 Controller 的可選依賴
type Option func(*options)

type options struct {
	analyzer analysis.Analyzer
	nodes    *nodes.Registry
	promReg  *prometheus.Registry
}

// WithAnalyzer replaces the analysis backend chosen from configuration.
func WithAnalyzer(a analysis.Analyzer) Option { return func(o *options) { o.analyzer = a } }

// WithNodes uses reg instead of loading nodes.file.
func WithNodes(reg *nodes.Registry) Option { return func(o *options) { o.nodes = reg } }

// WithPrometheus registers metrics on reg instead of a private registry.
func WithPrometheus(reg *prometheus.Registry) Option { return func(o *options) { o.promReg = reg } }

// Status 系統狀態
type Status struct {
	Uptime          string                       `json:"uptime"`
	Workers         int                          `json:"workers"`
	Incidents       map[types.IncidentStatus]int `json:"incidents"`
	Nodes           int                          `json:"nodes"`
	ConnectedNodes  int                          `json:"connectedNodes"`
	PendingCommands int                          `json:"pendingCommands"`
	AuditEnabled    bool                         `json:"auditEnabled"`
}

// ============================================================================
// 建立
// ============================================================================

// NewController 依配置組裝所有模組，但不啟動任何循環
func NewController(cfg *config.Config, opts ...Option) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		cfg:      cfg,
		snapshot: snapshot.NewManager(cfg.Snapshot.Path),
		stopCh:   make(chan struct{}),
	}

	// 1. 指標
	if cfg.Metrics.Enabled {
		reg := o.promReg
		if reg == nil {
			reg = prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		}
		c.metrics = metrics.NewCollector(reg)
		c.gatherer = reg
	}

	// 2. 節點設定
	c.nodes = o.nodes
	if c.nodes == nil {
		reg, err := nodes.Load(cfg.Nodes.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load node registry: %w", err)
		}
		c.nodes = reg
	}

	// 3. 分析服務
	analyzer := o.analyzer
	if analyzer == nil {
		switch {
		case cfg.Analysis.Addr != "":
			client, err := analysis.Dial(cfg.Analysis.Addr, cfg.Analysis.Timeout)
			if err != nil {
				return nil, err
			}
			c.client = client
			analyzer = client
		case cfg.Analysis.Stub:
			analyzer = analysis.StubServer{}
		default:
			analyzer = analysis.Unavailable{}
		}
	}
	c.pool = worker.NewPool(cfg.Analysis.BufferSize, analyzer, analyzer)

	// 4. 稽核紀錄
	regOpts := []incident.Option{
		incident.WithAnalyzer(c.pool),
		incident.WithMetrics(c.metrics),
	}
	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.Audit.Path)
		if err != nil {
			c.closeClient()
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		c.audit = store
		regOpts = append(regOpts, incident.WithAudit(store))
	}

	// 5. 事故日誌
	if cfg.Journal.Enabled {
		journal, err := wal.Open(cfg.Journal.Path, cfg.Journal.Sync)
		if err != nil {
			c.audit.Close()
			c.closeClient()
			return nil, fmt.Errorf("failed to open incident journal: %w", err)
		}
		c.journal = journal
		regOpts = append(regOpts, incident.WithJournal(journal))
	}

	// 6. 事故登錄表與 Gateway 互相引用，建立後再接上
	c.registry = incident.NewRegistry(incident.Config{
		ReviewTimeout:   cfg.Review.Timeout,
		AnalysisTimeout: cfg.Analysis.Timeout,
	}, decision.New(cfg.Policy), c.nodes, regOpts...)
	c.gateway = gateway.New(cfg.Dispatch, c.registry, c.nodes, c.metrics)
	c.registry.AttachDispatcher(c.gateway)

	return c, nil
}

// ============================================================================
// 啟動與恢復
// ============================================================================

// Start 執行恢復並啟動背景循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = time.Now()

	log.Info("Starting recovery...")
	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	if c.journal != nil {
		replayed, err := c.journal.ReplayInto(&data)
		if err != nil {
			return fmt.Errorf("journal replay failed: %w", err)
		}
		log.Info("Journal replayed", "entries", replayed, "lastSeq", c.journal.LastSeq())
	}

	// 恢復可能重新送分析，Pool 必須先啟動
	if err := c.pool.Start(c.cfg.Analysis.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.loopWg.Add(1)
	go c.resultLoop()

	stats := c.registry.Restore(data)
	c.recovered = true
	recovery := time.Since(c.startTime)
	c.metrics.SetRecoveryTime(recovery.Seconds())
	if recovery > 3*time.Second {
		log.Warn("Recovery time exceeds 3s", "duration", recovery)
	}
	log.Info("Recovery completed",
		"duration", recovery,
		"restored", stats.Restored,
		"expired", stats.Expired,
		"reanalysed", stats.Reanalysed,
		"redelivered", stats.Redelivered)

	if c.cfg.Snapshot.Interval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	if c.cfg.Nodes.Watch && c.cfg.Nodes.File != "" {
		ctx, cancel := context.WithCancel(context.Background())
		c.watchCancel = cancel
		c.loopWg.Add(1)
		go c.watchLoop(ctx)
	}

	log.Info("Controller started",
		"workers", c.cfg.Analysis.Workers,
		"nodes", c.nodes.Len(),
		"audit", c.audit != nil,
		"journal", c.journal != nil)
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// resultLoop 接收分析結果，會一直運行到 Pool 關閉為止
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				log.Info("Result loop stopped")
				return
			}
			log.Error("Failed to receive result", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		c.registry.ApplyAnalysis(result)
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Snapshot.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.TakeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// watchLoop 監看節點設定檔
func (c *Controller) watchLoop(ctx context.Context) {
	defer c.loopWg.Done()
	if err := c.nodes.Watch(ctx, c.cfg.Nodes.Debounce); err != nil {
		log.Error("Node registry watch stopped", "error", err)
	}
}

// TakeSnapshot 執行快照操作
func (c *Controller) TakeSnapshot() error {
	start := time.Now()
	// 先取序號再取快照：seq 以前的變更都已包含在快照中
	seq := c.journal.LastSeq()
	data := c.registry.Snapshot()

	var err error
	if c.cfg.Snapshot.Keep > 0 {
		err = c.snapshot.WriteWithBackup(data, c.cfg.Snapshot.Keep)
	} else {
		err = c.snapshot.Write(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if c.journal != nil {
		if err := c.journal.Compact(seq); err != nil {
			return fmt.Errorf("failed to compact journal: %w", err)
		}
	}

	log.Debug("Snapshot taken",
		"duration", time.Since(start),
		"incidents", len(data.Incidents))
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Registry 事故登錄表
func (c *Controller) Registry() *incident.Registry { return c.registry }

// Gateway 節點 Gateway
func (c *Controller) Gateway() *gateway.Gateway { return c.gateway }

// Nodes 節點登錄表
func (c *Controller) Nodes() *nodes.Registry { return c.nodes }

// Audit returns the audit store, or nil when auditing is disabled.
func (c *Controller) Audit() *audit.Store { return c.audit }

// MetricsHandler returns the /metrics handler, or nil when metrics are disabled.
func (c *Controller) MetricsHandler() http.Handler {
	if c.gatherer == nil {
		return nil
	}
	return metrics.Handler(c.gatherer)
}

// Status 取得系統狀態
func (c *Controller) Status() Status {
	c.mu.Lock()
	uptime := time.Duration(0)
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime).Truncate(time.Second)
	}
	c.mu.Unlock()

	connected := 0
	for _, n := range c.gateway.Nodes() {
		if n.State == gateway.StateConnected {
			connected++
		}
	}
	return Status{
		Uptime:          uptime.String(),
		Workers:         c.pool.GetWorkerCount(),
		Incidents:       c.registry.Stats(),
		Nodes:           c.nodes.Len(),
		ConnectedNodes:  connected,
		PendingCommands: c.gateway.Pending(),
		AuditEnabled:    c.audit != nil,
	}
}

// Stop 優雅關閉 Controller，可重複呼叫
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	recovered := c.recovered
	c.mu.Unlock()

	log.Info("Stopping controller...")

	// 1. 通知循環停止
	close(c.stopCh)
	if c.watchCancel != nil {
		c.watchCancel()
	}

	// 2. 停止下發重試並關閉連線
	c.gateway.Close()

	// 3. 停止 Worker Pool（resultLoop 隨之退出）
	c.pool.Stop()

	// 4. 等待所有循環退出
	c.loopWg.Wait()

	// 5. 停止審核計時器
	c.registry.Close()

	// 6. 最後一次快照（未完成恢復時不覆寫既有快照）
	if recovered {
		if err := c.TakeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err)
		}
	}

	if err := c.journal.Close(); err != nil {
		log.Error("Failed to close incident journal", "error", err)
	}
	if err := c.audit.Close(); err != nil {
		log.Error("Failed to close audit store", "error", err)
	}
	c.closeClient()

	log.Info("Controller stopped")
}

func (c *Controller) closeClient() {
	if c.client == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		log.Warn("Failed to close analysis client", "error", err)
	}
}
