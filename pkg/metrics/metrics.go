package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Metrics holds in-process counters for calls, audio and downstream
// services. Scraped as Prometheus text via the /metrics endpoint.
type Metrics struct {
	mu sync.RWMutex

	// Call lifecycle
	CallsStarted   int64
	CallsCompleted int64
	CallsFailed    int64
	ActiveCalls    int64

	// Media
	FramesIn    int64 // μ-law frames received from the carrier
	FramesOut   int64 // μ-law frames sent to the carrier
	BargeIns    int64
	UserTurns   int64
	AgentTurns  int64
	ToolCalls   int64
	ToolErrors  int64

	// Webhook auth
	WebhooksVerified int64
	WebhooksRejected int64
	AuthBypasses     int64 // tunneled-deployment signature bypasses

	// Downstream services (stt, tts, brain, carrier, agent)
	ServiceCalls   map[string]int64
	ServiceErrors  map[string]int64
	ServiceLatency map[string][]time.Duration

	// Circuit breakers
	CircuitBreakerState    map[string]string
	CircuitBreakerFailures map[string]int64

	StartTime time.Time
}

var globalMetrics = &Metrics{
	ServiceCalls:           make(map[string]int64),
	ServiceErrors:          make(map[string]int64),
	ServiceLatency:         make(map[string][]time.Duration),
	CircuitBreakerState:    make(map[string]string),
	CircuitBreakerFailures: make(map[string]int64),
	StartTime:              time.Now(),
}

// CallStarted records a new call and bumps the active gauge.
func CallStarted() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.CallsStarted++
	globalMetrics.ActiveCalls++
}

// CallEnded records call completion. failed marks calls that ended in
// an error rather than a normal hangup.
func CallEnded(failed bool) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	if failed {
		globalMetrics.CallsFailed++
	} else {
		globalMetrics.CallsCompleted++
	}
	if globalMetrics.ActiveCalls > 0 {
		globalMetrics.ActiveCalls--
	}
}

// FrameIn counts one inbound μ-law frame.
func FrameIn() {
	globalMetrics.mu.Lock()
	globalMetrics.FramesIn++
	globalMetrics.mu.Unlock()
}

// FrameOut counts one outbound μ-law frame.
func FrameOut() {
	globalMetrics.mu.Lock()
	globalMetrics.FramesOut++
	globalMetrics.mu.Unlock()
}

// BargeIn counts one user interruption of model speech.
func BargeIn() {
	globalMetrics.mu.Lock()
	globalMetrics.BargeIns++
	globalMetrics.mu.Unlock()
}

// Turn counts one completed conversational turn.
func Turn(speaker string) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	if speaker == "user" {
		globalMetrics.UserTurns++
	} else {
		globalMetrics.AgentTurns++
	}
}

// ToolCall counts one tool execution.
func ToolCall(failed bool) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.ToolCalls++
	if failed {
		globalMetrics.ToolErrors++
	}
}

// WebhookAuth records one webhook verification outcome.
func WebhookAuth(verified bool) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	if verified {
		globalMetrics.WebhooksVerified++
	} else {
		globalMetrics.WebhooksRejected++
	}
}

// AuthBypass records one tunneled-deployment signature bypass.
func AuthBypass() {
	globalMetrics.mu.Lock()
	globalMetrics.AuthBypasses++
	globalMetrics.mu.Unlock()
}

// RecordServiceCall records a downstream service call
func RecordServiceCall(service string, success bool, latency time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.ServiceCalls[service]++
	if !success {
		globalMetrics.ServiceErrors[service]++
	}

	// Keep only last 100 latency measurements per service
	if len(globalMetrics.ServiceLatency[service]) >= 100 {
		globalMetrics.ServiceLatency[service] = globalMetrics.ServiceLatency[service][1:]
	}
	globalMetrics.ServiceLatency[service] = append(globalMetrics.ServiceLatency[service], latency)
}

// UpdateCircuitBreaker updates circuit breaker metrics
func UpdateCircuitBreaker(service, state string, failures int64) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.CircuitBreakerState[service] = state
	globalMetrics.CircuitBreakerFailures[service] = failures
}

// GetMetrics returns a snapshot for the JSON health/metrics surface.
func GetMetrics() map[string]interface{} {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	serviceAvgLatency := make(map[string]float64)
	for service, latencies := range globalMetrics.ServiceLatency {
		if len(latencies) > 0 {
			var sum time.Duration
			for _, l := range latencies {
				sum += l
			}
			serviceAvgLatency[service] = sum.Seconds() / float64(len(latencies))
		}
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(globalMetrics.StartTime).Seconds(),
		"calls": map[string]interface{}{
			"started":   globalMetrics.CallsStarted,
			"completed": globalMetrics.CallsCompleted,
			"failed":    globalMetrics.CallsFailed,
			"active":    globalMetrics.ActiveCalls,
		},
		"media": map[string]interface{}{
			"frames_in":  globalMetrics.FramesIn,
			"frames_out": globalMetrics.FramesOut,
			"barge_ins":  globalMetrics.BargeIns,
		},
		"turns": map[string]interface{}{
			"user":  globalMetrics.UserTurns,
			"agent": globalMetrics.AgentTurns,
		},
		"tools": map[string]interface{}{
			"calls":  globalMetrics.ToolCalls,
			"errors": globalMetrics.ToolErrors,
		},
		"webhooks": map[string]interface{}{
			"verified":      globalMetrics.WebhooksVerified,
			"rejected":      globalMetrics.WebhooksRejected,
			"auth_bypasses": globalMetrics.AuthBypasses,
		},
		"services": map[string]interface{}{
			"calls":               globalMetrics.ServiceCalls,
			"errors":              globalMetrics.ServiceErrors,
			"latency_avg_seconds": serviceAvgLatency,
		},
		"circuit_breakers": map[string]interface{}{
			"state":    globalMetrics.CircuitBreakerState,
			"failures": globalMetrics.CircuitBreakerFailures,
		},
	}
}

// GetPrometheusMetrics returns metrics in Prometheus text format
func GetPrometheusMetrics() string {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	var output string

	output += "# HELP voice_uptime_seconds Process uptime in seconds\n"
	output += "# TYPE voice_uptime_seconds gauge\n"
	output += fmt.Sprintf("voice_uptime_seconds %.2f\n", time.Since(globalMetrics.StartTime).Seconds())

	output += "# HELP voice_calls_total Calls by outcome\n"
	output += "# TYPE voice_calls_total counter\n"
	output += fmt.Sprintf("voice_calls_total{outcome=\"started\"} %d\n", globalMetrics.CallsStarted)
	output += fmt.Sprintf("voice_calls_total{outcome=\"completed\"} %d\n", globalMetrics.CallsCompleted)
	output += fmt.Sprintf("voice_calls_total{outcome=\"failed\"} %d\n", globalMetrics.CallsFailed)

	output += "# HELP voice_active_calls Currently active calls\n"
	output += "# TYPE voice_active_calls gauge\n"
	output += fmt.Sprintf("voice_active_calls %d\n", globalMetrics.ActiveCalls)

	output += "# HELP voice_media_frames_total Media frames by direction\n"
	output += "# TYPE voice_media_frames_total counter\n"
	output += fmt.Sprintf("voice_media_frames_total{direction=\"in\"} %d\n", globalMetrics.FramesIn)
	output += fmt.Sprintf("voice_media_frames_total{direction=\"out\"} %d\n", globalMetrics.FramesOut)

	output += "# HELP voice_barge_ins_total User interruptions of model speech\n"
	output += "# TYPE voice_barge_ins_total counter\n"
	output += fmt.Sprintf("voice_barge_ins_total %d\n", globalMetrics.BargeIns)

	output += "# HELP voice_turns_total Conversational turns by speaker\n"
	output += "# TYPE voice_turns_total counter\n"
	output += fmt.Sprintf("voice_turns_total{speaker=\"user\"} %d\n", globalMetrics.UserTurns)
	output += fmt.Sprintf("voice_turns_total{speaker=\"agent\"} %d\n", globalMetrics.AgentTurns)

	output += "# HELP voice_tool_calls_total Tool executions\n"
	output += "# TYPE voice_tool_calls_total counter\n"
	output += fmt.Sprintf("voice_tool_calls_total{result=\"ok\"} %d\n", globalMetrics.ToolCalls-globalMetrics.ToolErrors)
	output += fmt.Sprintf("voice_tool_calls_total{result=\"error\"} %d\n", globalMetrics.ToolErrors)

	output += "# HELP voice_webhooks_total Webhook verifications\n"
	output += "# TYPE voice_webhooks_total counter\n"
	output += fmt.Sprintf("voice_webhooks_total{result=\"verified\"} %d\n", globalMetrics.WebhooksVerified)
	output += fmt.Sprintf("voice_webhooks_total{result=\"rejected\"} %d\n", globalMetrics.WebhooksRejected)
	output += fmt.Sprintf("voice_webhooks_total{result=\"bypassed\"} %d\n", globalMetrics.AuthBypasses)

	output += "# HELP voice_service_calls_total Downstream service calls\n"
	output += "# TYPE voice_service_calls_total counter\n"
	var services []string
	for service := range globalMetrics.ServiceCalls {
		services = append(services, service)
	}
	sort.Strings(services)
	for _, service := range services {
		output += fmt.Sprintf("voice_service_calls_total{service=\"%s\"} %d\n", service, globalMetrics.ServiceCalls[service])
	}

	return output
}

// Reset clears all counters. Test helper.
func Reset() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.CallsStarted = 0
	globalMetrics.CallsCompleted = 0
	globalMetrics.CallsFailed = 0
	globalMetrics.ActiveCalls = 0
	globalMetrics.FramesIn = 0
	globalMetrics.FramesOut = 0
	globalMetrics.BargeIns = 0
	globalMetrics.UserTurns = 0
	globalMetrics.AgentTurns = 0
	globalMetrics.ToolCalls = 0
	globalMetrics.ToolErrors = 0
	globalMetrics.WebhooksVerified = 0
	globalMetrics.WebhooksRejected = 0
	globalMetrics.AuthBypasses = 0
	globalMetrics.ServiceCalls = make(map[string]int64)
	globalMetrics.ServiceErrors = make(map[string]int64)
	globalMetrics.ServiceLatency = make(map[string][]time.Duration)
	globalMetrics.CircuitBreakerState = make(map[string]string)
	globalMetrics.CircuitBreakerFailures = make(map[string]int64)
	globalMetrics.StartTime = time.Now()
}
