package protocol

// CloseReason is the websocket close code and text sent when a connection ends.
type CloseReason struct {
	Code int
	Text string
}

// Application close codes live in the 4000-4999 private range.
var (
	CloseNormal          = CloseReason{Code: 1000, Text: "interview completed"}
	CloseGoingAway       = CloseReason{Code: 1001, Text: "server shutting down"}
	CloseMessageTooBig   = CloseReason{Code: 1009, Text: "frame too large"}
	CloseInternalError   = CloseReason{Code: 1011, Text: "internal error"}
	CloseTimeout         = CloseReason{Code: 4000, Text: "connection timeout due to inactivity"}
	CloseAuthFailed      = CloseReason{Code: 4001, Text: "unauthorized"}
	CloseSessionNotFound = CloseReason{Code: 4004, Text: "session not found"}
	CloseTooManyErrors   = CloseReason{Code: 4008, Text: "too many errors"}
	CloseClientGone      = CloseReason{Code: 1000, Text: "client disconnected"}
	CloseReplaced        = CloseReason{Code: 4009, Text: "replaced by a newer connection"}
)
