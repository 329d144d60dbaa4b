package logging

// Standardized structured logging field keys. Components attach FieldComponent
// once via NewComponentLogger; per-event keys are set at the call site.
const (
	FieldComponent = "component"
	FieldItemID    = "item_id"
	FieldRemoteID  = "remote_id"
	FieldStage     = "stage"
	FieldStatus    = "status"
	FieldEventType = "event_type"
	FieldErrorHint = "error_hint"
)
