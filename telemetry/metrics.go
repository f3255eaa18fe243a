package telemetry

// Histogram bucket definitions
var (
	// AppendBuckets for group-commit latency (local disk)
	AppendBuckets = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}

	// BatchSizeBuckets for ops per group commit
	BatchSizeBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256}
)

// Allocation log metrics
var (
	// LogAppendsTotal counts records appended to the allocation log
	LogAppendsTotal Counter = NoopStat{}

	// LogAppendBytesTotal counts payload bytes appended (before compression)
	LogAppendBytesTotal Counter = NoopStat{}

	// LogCommitSeconds measures group-commit latency
	LogCommitSeconds Histogram = NoopStat{}

	// LogBatchSize measures ops per group commit
	LogBatchSize Histogram = NoopStat{}

	// LogReclaimedTotal counts log offsets released by the reclaimer
	LogReclaimedTotal Counter = NoopStat{}

	// LogCacheHitsTotal counts record reads by cache result (hit, miss)
	LogCacheHitsTotal CounterVec = noopCounterVec{}
)

// Index metrics
var (
	// IndexOpsTotal counts index operations by op (store, replace, remove, get) and result
	IndexOpsTotal CounterVec = noopCounterVec{}

	// IndicesLoaded tracks currently loaded indices
	IndicesLoaded Gauge = NoopStat{}

	// IndexRecords tracks records per index, refreshed by the collector
	IndexRecords GaugeVec = noopGaugeVec{}
)

// Delivery metrics
var (
	// DeliveriesTotal counts dispatched deliveries by kind (new, redelivery)
	DeliveriesTotal CounterVec = noopCounterVec{}

	// AcksTotal counts acknowledgments by result (ok, invalid, error)
	AcksTotal CounterVec = noopCounterVec{}

	// ReassignedTotal counts pending deliveries returned on session end
	ReassignedTotal Counter = NoopStat{}

	// PendingDeliveries tracks delivered-but-unacked records across subscriptions
	PendingDeliveries Gauge = NoopStat{}

	// ActiveSubscriptions tracks attached subscriptions
	ActiveSubscriptions Gauge = NoopStat{}

	// ReceiveTimeoutsTotal counts blocking receives that returned nothing
	ReceiveTimeoutsTotal Counter = NoopStat{}
)

func initMetrics() {
	LogAppendsTotal = NewCounter(
		"log",
		"appends_total",
		"Records appended to the allocation log",
	)
	LogAppendBytesTotal = NewCounter(
		"log",
		"append_bytes_total",
		"Payload bytes appended to the allocation log",
	)
	LogCommitSeconds = NewHistogram(
		"log",
		"commit_seconds",
		"Group commit latency in seconds",
		AppendBuckets,
	)
	LogBatchSize = NewHistogram(
		"log",
		"batch_size",
		"Operations per group commit",
		BatchSizeBuckets,
	)
	LogReclaimedTotal = NewCounter(
		"log",
		"reclaimed_total",
		"Log offsets released below the free head",
	)
	LogCacheHitsTotal = NewCounterVec(
		"log",
		"cache_reads_total",
		"Record reads by cache result",
		[]string{"result"},
	)

	IndexOpsTotal = NewCounterVec(
		"index",
		"ops_total",
		"Index operations by op and result",
		[]string{"op", "result"},
	)
	IndicesLoaded = NewGauge(
		"index",
		"loaded",
		"Number of loaded indices",
	)
	IndexRecords = NewGaugeVec(
		"index",
		"records",
		"Records held per index",
		[]string{"index"},
	)

	DeliveriesTotal = NewCounterVec(
		"delivery",
		"dispatched_total",
		"Dispatched deliveries by kind",
		[]string{"kind"},
	)
	AcksTotal = NewCounterVec(
		"delivery",
		"acks_total",
		"Acknowledgments by result",
		[]string{"result"},
	)
	ReassignedTotal = NewCounter(
		"delivery",
		"reassigned_total",
		"Pending deliveries returned to availability on session end",
	)
	PendingDeliveries = NewGauge(
		"delivery",
		"pending",
		"Delivered but unacknowledged records",
	)
	ActiveSubscriptions = NewGauge(
		"delivery",
		"subscriptions",
		"Attached subscriptions",
	)
	ReceiveTimeoutsTotal = NewCounter(
		"delivery",
		"receive_timeouts_total",
		"Blocking receives that expired with nothing ready",
	)
}
