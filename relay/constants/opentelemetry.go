package constant

// TelemetrySDKName identifies this module in telemetry resource attributes.
const TelemetrySDKName = "outbox-relay/opentelemetry"

// MaxMetricLabelLength caps metric label values to bound cardinality.
const MaxMetricLabelLength = 64

// Meter and tracer scope names.
const (
	MeterAssert           = "relay.assert"
	MeterRuntime          = "relay.runtime"
	MeterOutboxDispatcher = "relay.outbox.dispatcher"
	MeterInboxConsumer    = "relay.inbox.consumer"
	MeterCircuitBreaker   = "relay.circuitbreaker"
)

// Attribute keys for store and bus spans.
const (
	AttrDBSystem            = "db.system"
	AttrDBName              = "db.name"
	AttrDBMongoDBCollection = "db.mongodb.collection"
	AttrDBSQLTable          = "db.sql.table"
	AttrMessagingSystem     = "messaging.system"
	AttrMessagingDest       = "messaging.destination.name"
	AttrMessagingRoutingKey = "messaging.rabbitmq.destination.routing_key"
	AttrMessagingMessageID  = "messaging.message.id"
	AttrEventType           = "outbox.event.type"
	AttrEventAttempts       = "outbox.event.attempts"
	AttrInboxOutcome        = "inbox.outcome"
)

// Values for AttrDBSystem and AttrMessagingSystem.
const (
	DBSystemPostgreSQL = "postgresql"
	DBSystemMongoDB    = "mongodb"
	DBSystemRabbitMQ   = "rabbitmq"
)

// Metric names shared across packages.
const (
	MetricPanicRecoveredTotal  = "panic_recovered_total"
	MetricAssertionFailedTotal = "assertion_failed_total"
)

// Span event names.
const (
	EventAssertionFailed = "assertion.failed"
	EventPanicRecovered  = "panic.recovered"
)

// SanitizeMetricLabel truncates value to MaxMetricLabelLength.
func SanitizeMetricLabel(value string) string {
	if len(value) > MaxMetricLabelLength {
		return value[:MaxMetricLabelLength]
	}

	return value
}
