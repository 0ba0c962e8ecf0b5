// Package metrics 汇总智能体进程与部署服务暴露的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openagent"

// Metrics 持有所有采集器。每个实例使用独立的 Registry，便于测试隔离。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	tradeCycles     *prometheus.CounterVec
	tradeDuration   prometheus.Histogram
	balancePolls    *prometheus.CounterVec
	fundingBalance  prometheus.Gauge
	phaseChanges    *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	deployments     *prometheus.CounterVec
	deployStepTimes *prometheus.HistogramVec
}

// New 创建并注册全部采集器。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		tradeCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "trade_cycles_total",
			Help:      "Scheduled trade cycles by outcome.",
		}, []string{"outcome"}),
		tradeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "trade_cycle_duration_seconds",
			Help:      "Time spent in one scheduled trade cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		balancePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "balance_polls_total",
			Help:      "Funding balance checks by result.",
		}, []string{"result"}),
		fundingBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "funding_balance",
			Help:      "Last observed funding token balance.",
		}),
		phaseChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "phase_transitions_total",
			Help:      "Status updates by resulting phase.",
		}, []string{"phase"}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "withdrawals_total",
			Help:      "Owner withdrawals by outcome.",
		}, []string{"outcome"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Deployment pipeline runs by outcome.",
		}, []string{"outcome"}),
		deployStepTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "step_duration_seconds",
			Help:      "Duration of each deployment pipeline step.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step", "status"}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpDuration,
		m.tradeCycles, m.tradeDuration, m.balancePolls, m.fundingBalance, m.phaseChanges, m.withdrawals,
		m.deployments, m.deployStepTimes,
	)
	return m
}

// Handler 以 Prometheus 文本格式暴露指标。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTradeCycle 记录一次交易周期，outcome 取 success 或 failure。
func (m *Metrics) ObserveTradeCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tradeCycles.WithLabelValues(outcome).Inc()
	m.tradeDuration.Observe(duration.Seconds())
}

// ObserveBalancePoll 记录一次余额检查。
func (m *Metrics) ObserveBalancePoll(funded bool, balance float64) {
	if m == nil {
		return
	}
	result := "unfunded"
	if funded {
		result = "funded"
	}
	m.balancePolls.WithLabelValues(result).Inc()
	m.fundingBalance.Set(balance)
}

// ObservePhase 记录一次状态阶段更新。
func (m *Metrics) ObservePhase(phase string) {
	if m == nil {
		return
	}
	m.phaseChanges.WithLabelValues(phase).Inc()
}

// ObserveWithdrawal 记录一次提现。
func (m *Metrics) ObserveWithdrawal(outcome string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(outcome).Inc()
}

// ObserveDeployment 记录一次完整的部署。
func (m *Metrics) ObserveDeployment(outcome string) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(outcome).Inc()
}

// ObserveDeployStep 记录部署流水线单个步骤的耗时。
func (m *Metrics) ObserveDeployStep(step, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deployStepTimes.WithLabelValues(step, status).Observe(duration.Seconds())
}

// Middleware 为处理器记录请求次数与耗时，handler 标签使用注册时的路径。
func (m *Metrics) Middleware(handler string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.ObserveHTTPRequest(handler, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap 让 http.ResponseController 能访问底层连接，WebSocket 升级依赖它。
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
