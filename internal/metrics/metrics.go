// Package metrics はルーターのPrometheusメトリクスを提供する
//
// 全てのメソッドは nil レシーバで何もしない。メトリクス無効時は nil を渡せばよい。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// フレームの処理結果
const (
	OutcomeAccepted    = "accepted"
	OutcomeRejected    = "rejected"
	OutcomeDecodeError = "decode_error"
)

// 検出の種類
const (
	KindFresh  = "fresh"
	KindCached = "cached"
	KindFailed = "failed"
)

// Metrics はルーターのメトリクス
type Metrics struct {
	registry *prometheus.Registry

	sessions          *prometheus.GaugeVec
	frames            *prometheus.CounterVec
	detections        *prometheus.CounterVec
	inflight          prometheus.Gauge
	latency           prometheus.Histogram
	broadcastFailures prometheus.Counter
	deployTransitions *prometheus.CounterVec
}

// New は専用レジストリにメトリクスを登録して返す
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardx_sessions",
			Help: "Currently registered sessions by role.",
		}, []string{"role"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardx_frames_total",
			Help: "Frames received from producers by outcome.",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardx_detections_total",
			Help: "Detection results by kind (fresh, cached, failed).",
		}, []string{"kind"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guardx_pipeline_inflight",
			Help: "Frames currently admitted into the detection pipeline.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardx_detection_latency_seconds",
			Help:    "Latency of calls to the detection service.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guardx_broadcast_failures_total",
			Help: "Deliveries that failed and removed the recipient.",
		}),
		deployTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guardx_deploy_transitions_total",
			Help: "Deployment state transitions by action.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.sessions,
		m.frames,
		m.detections,
		m.inflight,
		m.latency,
		m.broadcastFailures,
		m.deployTransitions,
	)
	return m
}

// Handler は /metrics 用のハンドラを返す
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry は内部レジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionOpened(role string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(role).Inc()
}

func (m *Metrics) SessionClosed(role string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(role).Dec()
}

func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Detection(kind string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inflight.Set(float64(n))
}

func (m *Metrics) ObserveDetection(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

func (m *Metrics) BroadcastFailure() {
	if m == nil {
		return
	}
	m.broadcastFailures.Inc()
}

func (m *Metrics) DeployTransition(action string) {
	if m == nil {
		return
	}
	m.deployTransitions.WithLabelValues(action).Inc()
}
