package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace 指标命名空间
const DefaultNamespace = "nftmarket"

// PrometheusRecorder 基于 Prometheus 的指标记录
type PrometheusRecorder struct {
	registry *prometheus.Registry

	workflows     *prometheus.CounterVec
	workflowTime  *prometheus.HistogramVec
	submitted     *prometheus.CounterVec
	resolved      *prometheus.CounterVec
	confirmation  *prometheus.HistogramVec
	rpcCalls      *prometheus.CounterVec
	rpcLatency    *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	uploadedBytes *prometheus.CounterVec
	errors        *prometheus.CounterVec
}

// NewPrometheusRecorder 创建记录器，每个实例使用独立的注册表
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	p := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflow runs by terminal state",
		}, []string{"workflow", "state"}),
		workflowTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run duration",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"workflow"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_submitted_total",
			Help:      "Submitted transactions by contract method",
		}, []string{"method"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_resolved_total",
			Help:      "Transaction outcomes by contract method and status",
		}, []string{"method", "status"}),
		confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmation_seconds",
			Help:      "Time from submission to outcome",
			Buckets:   []float64{1, 2, 4, 8, 15, 30, 60, 120},
		}, []string{"method"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC calls by endpoint, method and result",
		}, []string{"endpoint", "method", "result"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_latency_seconds",
			Help:      "RPC call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listing_cache_lookups_total",
			Help:      "Listing cache lookups by backend and result",
		}, []string{"backend", "result"}),
		uploadedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes sent to the content store",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Handled errors by kind and code",
		}, []string{"kind", "code"}),
	}

	p.registry.MustRegister(
		p.workflows, p.workflowTime,
		p.submitted, p.resolved, p.confirmation,
		p.rpcCalls, p.rpcLatency,
		p.cacheLookups, p.uploadedBytes,
		p.errors,
	)
	return p
}

func (p *PrometheusRecorder) WorkflowFinished(workflow, state string, d time.Duration) {
	p.workflows.WithLabelValues(workflow, state).Inc()
	p.workflowTime.WithLabelValues(workflow).Observe(d.Seconds())
}

func (p *PrometheusRecorder) TransactionSubmitted(method string) {
	p.submitted.WithLabelValues(method).Inc()
}

func (p *PrometheusRecorder) TransactionResolved(method, status string, d time.Duration) {
	p.resolved.WithLabelValues(method, status).Inc()
	p.confirmation.WithLabelValues(method).Observe(d.Seconds())
}

func (p *PrometheusRecorder) RPCCall(endpoint, method string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.rpcCalls.WithLabelValues(endpoint, method, result).Inc()
	p.rpcLatency.WithLabelValues(method).Observe(d.Seconds())
}

func (p *PrometheusRecorder) CacheLookup(backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(backend, result).Inc()
}

func (p *PrometheusRecorder) AssetUploaded(kind string, size int) {
	p.uploadedBytes.WithLabelValues(kind).Add(float64(size))
}

func (p *PrometheusRecorder) ErrorRecorded(kind, code string) {
	p.errors.WithLabelValues(kind, code).Inc()
}

// Registry 底层注册表
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler /metrics 处理器
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
