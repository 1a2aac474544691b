package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。nil *Monitor 的所有方法均为空操作。
type Monitor struct {
	registry *prometheus.Registry

	// 推送连接
	wsConnections *prometheus.CounterVec
	wsDisconnects *prometheus.CounterVec
	wsLoginFails  *prometheus.CounterVec

	// 行情
	lastPrice     prometheus.Gauge
	pricesDropped prometheus.Counter

	// 订单推送
	orderEvents     prometheus.Counter
	orderQueueDepth prometheus.Gauge

	// 下单
	ordersPlaced   *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	orderLatency   prometheus.Histogram
	fills          *prometheus.CounterVec

	// 网格
	cycles        prometheus.Counter
	regenerations prometheus.Counter
	anchorPrice   prometheus.Gauge
	engineState   prometheus.Gauge
	liveLevels    *prometheus.GaugeVec

	notifyFailures prometheus.Counter

	// REST
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "okx",
		Subsystem: "grid",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}

	return &Monitor{
		registry: reg,

		wsConnections: counterVec("ws_connections_total", "WebSocket连接次数", "stream"),
		wsDisconnects: counterVec("ws_disconnects_total", "WebSocket断开次数", "stream"),
		wsLoginFails:  counterVec("ws_login_failures_total", "WebSocket登录失败次数", "stream"),

		lastPrice:     gauge("last_price", "最新成交价"),
		pricesDropped: counter("prices_dropped_total", "被新价格覆盖而未被消费的行情数"),

		orderEvents:     counter("order_events_total", "收到的订单推送数"),
		orderQueueDepth: gauge("order_event_queue_depth", "待处理订单推送数"),

		ordersPlaced:   counterVec("orders_placed_total", "市价单成功提交数", "side"),
		ordersRejected: counterVec("orders_rejected_total", "市价单失败数", "side"),
		orderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "order_latency_seconds",
			Help:      "下单延迟分布（秒）",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		fills: counterVec("fills_total", "成交推送数", "side", "state"),

		cycles:        counter("cycles_completed_total", "完成的网格周期数"),
		regenerations: counter("grid_regenerations_total", "网格重建次数"),
		anchorPrice:   gauge("anchor_price", "当前锚定价"),
		engineState:   gauge("engine_state", "引擎状态(0=未初始化,1=运行,2=暂停,3=重置,4=停止)"),
		liveLevels: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "live_levels",
			Help:      "处于 live 的档位数",
		}, []string{"side"}),

		notifyFailures: counter("notify_failures_total", "通知发送失败数"),

		restRequests: counterVec("rest_requests_total", "REST请求总数", "action"),
		restErrors:   counterVec("rest_errors_total", "REST错误总数", "action"),
		restLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_latency_seconds",
			Help:      "REST请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
}

// 连接相关方法
func (m *Monitor) RecordWSConnection(stream string) {
	if m == nil {
		return
	}
	m.wsConnections.WithLabelValues(stream).Inc()
}

func (m *Monitor) RecordWSDisconnect(stream string) {
	if m == nil {
		return
	}
	m.wsDisconnects.WithLabelValues(stream).Inc()
}

func (m *Monitor) RecordWSLoginFailure(stream string) {
	if m == nil {
		return
	}
	m.wsLoginFails.WithLabelValues(stream).Inc()
}

// 行情相关方法
func (m *Monitor) UpdateLastPrice(v float64) {
	if m == nil {
		return
	}
	m.lastPrice.Set(v)
}

func (m *Monitor) RecordPriceDropped() {
	if m == nil {
		return
	}
	m.pricesDropped.Inc()
}

func (m *Monitor) RecordOrderEvent() {
	if m == nil {
		return
	}
	m.orderEvents.Inc()
}

func (m *Monitor) UpdateOrderQueueDepth(n int) {
	if m == nil {
		return
	}
	m.orderQueueDepth.Set(float64(n))
}

// 订单相关方法
func (m *Monitor) RecordOrderPlaced(side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(side).Inc()
}

func (m *Monitor) RecordOrderRejected(side string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(side).Inc()
}

func (m *Monitor) RecordOrderLatency(seconds float64) {
	if m == nil {
		return
	}
	m.orderLatency.Observe(seconds)
}

func (m *Monitor) RecordFill(side, state string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(side, state).Inc()
}

// 网格相关方法
func (m *Monitor) RecordCycleCompleted() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

func (m *Monitor) RecordRegeneration(anchor float64) {
	if m == nil {
		return
	}
	m.regenerations.Inc()
	m.anchorPrice.Set(anchor)
}

func (m *Monitor) UpdateEngineState(state int) {
	if m == nil {
		return
	}
	m.engineState.Set(float64(state))
}

func (m *Monitor) UpdateLiveLevels(side string, n int) {
	if m == nil {
		return
	}
	m.liveLevels.WithLabelValues(side).Set(float64(n))
}

func (m *Monitor) RecordNotifyFailure() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

// REST 相关方法
func (m *Monitor) RecordRESTRequest(action string) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTError(action string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTLatency(action string, seconds float64) {
	if m == nil {
		return
	}
	m.restLatency.WithLabelValues(action).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
