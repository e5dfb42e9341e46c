package telemetry

// Histogram buckets for change counts per transaction.
var txnSizeBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024}

// Producer metrics
var (
	// TxnsProduced counts transactions emitted downstream
	TxnsProduced Counter = NoopStat{}

	// TxnChanges measures row changes per emitted transaction
	TxnChanges Histogram = NoopStat{}

	// ProtocolErrorsTotal counts malformed stream messages dropped
	ProtocolErrorsTotal Counter = NoopStat{}

	// SlotAdvancesTotal counts retained-position advances sent upstream
	SlotAdvancesTotal Counter = NoopStat{}

	// PendingDemand tracks unsatisfied downstream demand units
	PendingDemand Gauge = NoopStat{}
)

// Window metrics
var (
	// WindowEntries tracks cached transactions in the replay window
	WindowEntries Gauge = NoopStat{}

	// WindowBytes tracks approximate window memory usage
	WindowBytes Gauge = NoopStat{}

	// WindowEvictionsTotal counts entries evicted by the size ceiling
	WindowEvictionsTotal Counter = NoopStat{}

	// WindowNotificationsTotal counts fired new-data notifications
	WindowNotificationsTotal Counter = NoopStat{}

	// WindowMissesTotal counts replay requests behind the oldest entry
	WindowMissesTotal Counter = NoopStat{}
)

// Permission metrics
var (
	// PermissionDenialsTotal counts denied changes by privilege
	PermissionDenialsTotal CounterVec = noopCounterVec{}

	// TransientPermissionsActive tracks live transient permission entries
	TransientPermissionsActive Gauge = NoopStat{}
)

// Dispatch metrics
var (
	// SubscribersActive tracks attached client subscriptions
	SubscribersActive Gauge = NoopStat{}

	// DispatchedTxnsTotal counts transactions delivered by outcome
	// (sent, filtered, rejected)
	DispatchedTxnsTotal CounterVec = noopCounterVec{}
)

// bindMetrics replaces the noop variables with registered collectors.
func bindMetrics() {
	TxnsProduced = NewCounter("txns_produced_total", "Transactions emitted by the producer")
	TxnChanges = NewHistogramWithBuckets("txn_changes", "Row changes per emitted transaction", txnSizeBuckets)
	ProtocolErrorsTotal = NewCounter("protocol_errors_total", "Malformed replication messages dropped")
	SlotAdvancesTotal = NewCounter("slot_advances_total", "Replication slot retained-position advances")
	PendingDemand = NewGauge("pending_demand", "Unsatisfied downstream demand units")

	WindowEntries = NewGauge("window_entries", "Transactions held in the replay window")
	WindowBytes = NewGauge("window_bytes", "Approximate replay window memory usage")
	WindowEvictionsTotal = NewCounter("window_evictions_total", "Window entries evicted by the size ceiling")
	WindowNotificationsTotal = NewCounter("window_notifications_total", "New-data notifications fired")
	WindowMissesTotal = NewCounter("window_misses_total", "Replay requests older than the window")

	PermissionDenialsTotal = NewCounterVec("permission_denials_total", "Denied changes", []string{"privilege"})
	TransientPermissionsActive = NewGauge("transient_permissions_active", "Live transient permission entries")

	SubscribersActive = NewGauge("subscribers_active", "Attached client subscriptions")
	DispatchedTxnsTotal = NewCounterVec("dispatched_txns_total", "Delivered transactions", []string{"outcome"})
}
