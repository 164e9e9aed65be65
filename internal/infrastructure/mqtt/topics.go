package mqtt

// StatusTopic carries the client's retained online/offline status.
//
// The bridge topics (ebus/state/{field}, ebus/command/send,
// ebus/command/ack, ebus/health) belong to the ebus package. This client
// only owns its own connection status.
const StatusTopic = "ebus/system/status"

// Status reasons published on StatusTopic.
const (
	reasonUnexpected = "unexpected_disconnect"
	reasonShutdown   = "graceful_shutdown"
)
