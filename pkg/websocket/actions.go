package websocket

// Action constants for WebSocket messages
const (
	// Subscription actions (client -> server)
	ActionSubscribeSession   = "subscribe_session"
	ActionUnsubscribeSession = "unsubscribe_session"
	ActionListSubscriptions  = "list_subscriptions"

	// Fork terminal actions (client -> server)
	ActionAttachFork = "attach_fork"
	ActionDetachFork = "detach_fork"
	ActionForkInput  = "fork_input"
	ActionForkResize = "fork_resize"

	// Fork terminal notifications (server -> client)
	ActionForkOutput = "fork_output"
	ActionForkClosed = "fork_closed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
