// Package subscriberwire defines the JSON frame protocol spoken on the
// subscriber channel. Every frame is an object with a "type" discriminator.
package subscriberwire

import "encoding/json"

// Client → server frame types.
const (
	TypeSubscribe = "subscribe"
	TypePrompt    = "prompt"
	TypeStop      = "stop"
	TypeTyping    = "typing"
	TypePing      = "ping"
)

// Server → client frame types.
const (
	TypeSubscribed        = "subscribed"
	TypeSandboxEvent      = "sandbox_event"
	TypeReplayComplete    = "replay_complete"
	TypeSandboxStatus     = "sandbox_status"
	TypeProcessingStatus  = "processing_status"
	TypeSandboxWarming    = "sandbox_warming"
	TypeSandboxReady      = "sandbox_ready"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypePong              = "pong"
	TypeError             = "error"
)

// Close codes beyond the RFC 6455 range, so clients can distinguish auth
// failures from transport errors.
const (
	CloseAuthRequired   = 4001
	CloseSessionExpired = 4002
)

// SubscribeFrame opens a session subscription.
type SubscribeFrame struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	ClientID string `json:"clientId"`
}

// PromptFrame enqueues a prompt over the live connection.
type PromptFrame struct {
	Type            string `json:"type"`
	Content         string `json:"content"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
}

// TypingFrame relays presence typing state to other subscribers.
type TypingFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	Typing bool   `json:"typing"`
}

// New builds a generic server frame with a type and payload fields.
func New(frameType string, fields map[string]interface{}) ([]byte, error) {
	obj := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		obj[k] = v
	}
	obj["type"] = frameType
	return json.Marshal(obj)
}
