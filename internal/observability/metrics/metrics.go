// Package metrics 以 Prometheus 格式暴露编排核心的运行指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry 是本进程专用的指标注册表。
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openmcp_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"handler", "method", "code"},
	)

	httpLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openmcp_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"handler", "method"},
	)

	toolExecutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openmcp_tool_executions_total",
			Help: "Tool invocations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	toolLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openmcp_tool_execution_duration_seconds",
			Help:    "Tool invocation latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	taskTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openmcp_task_transitions_total",
			Help: "Task and AI task status transitions.",
		},
		[]string{"kind", "status"},
	)

	orchestratorSlots = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openmcp_orchestrator_tasks",
			Help: "Tasks currently running or queued in the orchestrator.",
		},
		[]string{"state"},
	)

	pipelineRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openmcp_pipeline_runs_total",
			Help: "Thinking pipeline runs by outcome.",
		},
		[]string{"outcome"},
	)

	pipelineLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openmcp_pipeline_duration_seconds",
			Help:    "End-to-end thinking pipeline latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	stageLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "openmcp_pipeline_stage_duration_seconds",
			Help:    "Thinking pipeline stage latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveToolExecution 记录一次工具调用。
func ObserveToolExecution(tool, outcome string, duration time.Duration) {
	toolExecutions.WithLabelValues(tool, outcome).Inc()
	toolLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveTaskTransition 记录任务状态迁移，kind 为 task 或 aitask。
func ObserveTaskTransition(kind, status string) {
	taskTransitions.WithLabelValues(kind, status).Inc()
}

// SetOrchestratorLoad 更新编排器当前的运行数与排队数。
func SetOrchestratorLoad(running, queued int) {
	orchestratorSlots.WithLabelValues("running").Set(float64(running))
	orchestratorSlots.WithLabelValues("queued").Set(float64(queued))
}

// ObservePipelineRun 记录一次管线运行。
func ObservePipelineRun(outcome string, duration time.Duration) {
	pipelineRuns.WithLabelValues(outcome).Inc()
	pipelineLatency.Observe(duration.Seconds())
}

// ObserveStage 记录一个管线阶段的耗时。
func ObserveStage(stage string, duration time.Duration) {
	stageLatency.WithLabelValues(stage).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
