package ebus

import (
	"fmt"
	"time"
)

// MQTT message types exchanged between the eBUS bridge and its consumers.

// StateMessage carries one published field state.
// Topic: ebus/state/{name}
// QoS: 1, Retained: Yes
type StateMessage struct {
	// Name is the field name, "<entry>.<value>".
	Name string `json:"name"`

	// Timestamp is when the state was decoded (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Value is the typed value: number, bool or string.
	Value any `json:"value"`

	// State is the rendered form, e.g. "21.5", "ON" or "auto".
	State string `json:"state"`

	// Protocol is always "ebus".
	Protocol string `json:"protocol"`
}

// NewStateMessage creates a state message for a field.
func NewStateMessage(name string, state State) StateMessage {
	return StateMessage{
		Name:      name,
		Timestamp: time.Now().UTC(),
		Value:     state.Value(),
		State:     state.String(),
		Protocol:  protocolName,
	}
}

// CommandMessage asks the bridge to put a telegram on the bus.
// Topic: ebus/command/send
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	// The bridge generates one when it is empty.
	ID string `json:"id"`

	// Telegram is hex "QQ ZZ PB SB DB..." without length byte or CRC.
	Telegram string `json:"telegram"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted means the telegram was queued for transmission.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the telegram was rejected.
	AckFailed AckStatus = "failed"
)

// Error codes for command failures.
const (
	ErrCodeInvalidCommand  = "INVALID_COMMAND"
	ErrCodeInvalidTelegram = "INVALID_TELEGRAM"
	ErrCodeQueueFull       = "QUEUE_FULL"
	ErrCodeNotOpen         = "NOT_OPEN"
	ErrCodeBridgeError     = "BRIDGE_ERROR"
)

// AckMessage acknowledges a CommandMessage.
// Topic: ebus/command/ack
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    AckStatus `json:"status"`
	Telegram  string    `json:"telegram,omitempty"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAckMessage creates an acknowledgement for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, telegram string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Telegram:  telegram,
	}
}

// NewAckError creates a failed acknowledgement with error details.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Status:    AckFailed,
		Error:     &AckError{Code: code, Message: message},
	}
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline indicates the bridge is not connected (from LWT).
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports the bridge's operational status.
// Topic: ebus/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Link describes the serial link, omitted in the LWT payload.
	Link *LinkStatus `json:"link,omitempty"`

	// Diagnostics carries the connector counters.
	Diagnostics *DiagnosticsSnapshot `json:"diagnostics,omitempty"`

	// Reason explains the status (especially for offline/degraded).
	Reason string `json:"reason,omitempty"`
}

// LinkStatus describes the serial link state.
type LinkStatus struct {
	// Status is "open" or "closed".
	Status string `json:"status"`

	// Transport is the serial device path.
	Transport string `json:"transport"`

	// QueueDepth is the number of outbound telegrams waiting.
	QueueDepth int `json:"queue_depth"`
}

// NewLWTMessage creates a Last Will and Testament message for MQTT.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

const (
	// TopicPrefix is the base topic for all eBUS bridge messages.
	TopicPrefix = "ebus"

	protocolName = "ebus"
)

// StateTopic returns the topic for a field state.
// Example: ebus/state/heating.flow_temp
func StateTopic(name string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, name)
}

// HealthTopic returns the topic for health status.
func HealthTopic() string {
	return TopicPrefix + "/health"
}

// CommandTopic returns the topic on which send commands are received.
func CommandTopic() string {
	return TopicPrefix + "/command/send"
}

// AckTopic returns the topic for command acknowledgements.
func AckTopic() string {
	return TopicPrefix + "/command/ack"
}
