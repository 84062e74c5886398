package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRunID identifies one engine run
	FieldRunID = "run_id"

	// FieldWorkerID identifies the lease holder
	FieldWorkerID = "worker_id"

	// FieldItemID is the catalog item identifier
	FieldItemID = "item_id"

	// FieldStage is the pipeline stage (lease, fetch, extract, write, commit)
	FieldStage = "stage"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldRequestID is the status API request ID (UUID)
	FieldRequestID = "request_id"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldArtifacts is the number of artifacts an item wrote
	FieldArtifacts = "artifacts"

	// FieldFaces is the number of face crops an item wrote
	FieldFaces = "faces"

	// FieldBytes is a raw byte count
	FieldBytes = "bytes"

	// FieldSize is a byte count in human form (e.g. "4.2 MiB")
	FieldSize = "size"

	// FieldStatus is the operation or item status
	FieldStatus = "status"

	// FieldErrorClass is the failure class an item was routed with
	FieldErrorClass = "error_class"

	// FieldAttempt is the item's attempt count
	FieldAttempt = "attempt"

	// FieldError is the failure cause text
	FieldError = "error"

	// FieldRetryAfter is when a failed item becomes eligible again
	FieldRetryAfter = "retry_after"
)
