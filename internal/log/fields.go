package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldService    = "service"
	FieldVersion    = "version"
	FieldRequestID  = "request_id"
	FieldTraceID    = "trace_id"
	FieldPlayerID   = "player_id"
	FieldTransferID = "transfer_id"
	FieldUser       = "user"
	FieldItemID     = "item_id"
	FieldRuleID     = "rule_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStep      = "step"
	FieldPID       = "pid"
	FieldArgv      = "argv"

	// Media / stream fields
	FieldFormat       = "format"
	FieldTargetFormat = "target_format"
	FieldBitRate      = "bitrate_kbps"
	FieldDecision     = "decision"
	FieldReason       = "reason"
	FieldRange        = "range"
	FieldBytes        = "bytes"
	FieldOutcome      = "outcome"

	// Path / URL fields
	FieldPath   = "path"
	FieldRoute  = "route"
	FieldMethod = "method"
	FieldStatus = "status"

	// Network fields
	FieldRemoteAddr = "remote_addr"
	FieldDurationMS = "duration_ms"
)
