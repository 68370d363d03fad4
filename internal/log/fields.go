package log

const (
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	FieldService = "service"

	FieldConnID         = "conn_id"
	FieldRoom           = "room"
	FieldUserID         = "user_id"
	FieldEvent          = "event"
	FieldMessageID      = "message_id"
	FieldConversationID = "conversation_id"
	FieldState          = "state"
	FieldAttempt        = "attempt"
)
