package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "nets_observer"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	traceGenerations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trace_generations_total",
		Help:      "Trace generation attempts by system and result.",
	}, []string{"system", "result"})

	traceGenerationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trace_generation_duration_seconds",
		Help:      "Wall time of the external engine per generation.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"system"})

	traceJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trace_generation_joins_total",
		Help:      "Requests that joined an in-flight generation instead of starting one.",
	})

	verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Fraud verifier reports by root status and proof outcome.",
	}, []string{"status", "proof"})

	broadcastEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_events_total",
		Help:      "Change events broadcast to observers by type.",
	}, []string{"type"})

	broadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_dropped_total",
		Help:      "Per-observer deliveries dropped because the observer buffer was full.",
	})

	observers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "observers",
		Help:      "Currently connected observers.",
	})

	historyAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_appends_total",
		Help:      "History append attempts by result.",
	}, []string{"result"})

	relayPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_publishes_total",
		Help:      "Events forwarded to the relay by result.",
	}, []string{"driver", "result"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		traceGenerations, traceGenerationSeconds, traceJoins,
		verifications,
		broadcastEvents, broadcastDropped, observers,
		historyAppends,
		relayPublishes,
	)
}

// Registry 返回本进程的指标注册表。
func Registry() *prometheus.Registry { return registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveTraceGeneration 记录一次引擎调用的结果与耗时。
func ObserveTraceGeneration(system, result string, duration time.Duration) {
	traceGenerations.WithLabelValues(system, result).Inc()
	traceGenerationSeconds.WithLabelValues(system).Observe(duration.Seconds())
}

// IncTraceJoin 记录一次加入已有生成任务的请求。
func IncTraceJoin() { traceJoins.Inc() }

// ObserveVerification 记录一次核验报告。
func ObserveVerification(status, proof string) {
	verifications.WithLabelValues(status, proof).Inc()
}

// ObserveBroadcast 记录一次广播及因缓冲区满而丢弃的投递数。
func ObserveBroadcast(eventType string, dropped int) {
	broadcastEvents.WithLabelValues(eventType).Inc()
	if dropped > 0 {
		broadcastDropped.Add(float64(dropped))
	}
}

// SetObservers 更新当前在线观察者数量。
func SetObservers(n int) { observers.Set(float64(n)) }

// ObserveHistoryAppend 记录历史追加结果。
func ObserveHistoryAppend(err error) {
	if err != nil {
		historyAppends.WithLabelValues("error").Inc()
		return
	}
	historyAppends.WithLabelValues("ok").Inc()
}

// ObserveRelayPublish 记录一次事件转发结果。
func ObserveRelayPublish(driver, result string) {
	relayPublishes.WithLabelValues(driver, result).Inc()
}
