// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	bundlesSimulatedOk     = metrics.NewCounter(`bundles_simulated_total{result="ok"}`)
	bundlesSimulatedFailed = metrics.NewCounter(`bundles_simulated_total{result="failed"}`)
	bundlesSubmitted       = metrics.NewCounter("bundles_submitted_total")
	bundlesFinalized       = metrics.NewCounter("bundles_finalized_total")
	bundlesFailed          = metrics.NewCounter("bundles_failed_total")
	confirmationTimeouts   = metrics.NewCounter("bundles_confirmation_timeout_total")
	rateLimitRetries       = metrics.NewCounter("block_engine_rate_limit_retries_total")
	tipFallbacks           = metrics.NewCounter("tip_feed_fallback_total")
	queueFullItems         = metrics.NewCounter("queue_full_total")
	queueStaleItems        = metrics.NewCounter("queue_pop_stale_item_total")
	requestsReceived       = metrics.NewCounter("bundle_requests_received_total")
)

func IncBundlesSimulated(ok bool) {
	if ok {
		bundlesSimulatedOk.Inc()
	} else {
		bundlesSimulatedFailed.Inc()
	}
}

func IncBundlesSubmitted() {
	bundlesSubmitted.Inc()
}

func IncBundlesFinalized() {
	bundlesFinalized.Inc()
}

func IncBundlesFailed() {
	bundlesFailed.Inc()
}

func IncConfirmationTimeouts() {
	confirmationTimeouts.Inc()
}

func IncRateLimitRetries() {
	rateLimitRetries.Inc()
}

func IncTipFallbacks() {
	tipFallbacks.Inc()
}

func IncQueueFullItems() {
	queueFullItems.Inc()
}

func IncQueuePopStaleItems() {
	queueStaleItems.Inc()
}

func IncRequestsReceived() {
	requestsReceived.Inc()
}

func RecordRPCCallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`rpc_call_duration_milliseconds{method=%q}`, method)).Update(float64(ms))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_call_failures_total{method=%q}`, method)).Inc()
}

func RecordBlockEngineCallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`block_engine_call_duration_milliseconds{method=%q}`, method)).Update(float64(ms))
}

func RecordConfirmationDuration(ms int64) {
	metrics.GetOrCreateSummary("bundle_confirmation_duration_milliseconds").Update(float64(ms))
}

func RecordExecutionDuration(ms int64) {
	metrics.GetOrCreateSummary("bundle_execution_duration_milliseconds").Update(float64(ms))
}
