package call

// ── Signaling event names ─────────────────────────────────────────────────────
// Single source of truth for the call:* vocabulary exchanged with the
// signaling server. Outbound names are the only ones we emit; inbound aliases
// are decoded to the same handler but never relied on.
const (
	// Outbound (this client → server).
	EventOffer        = "call:offer"
	EventAnswer       = "call:answer"
	EventICECandidate = "call:ice-candidate"
	EventEnd          = "call:end"
	EventReject       = "call:reject"
	EventBusy         = "call:busy"

	// Inbound (server → this client).
	EventIncoming = "call:incoming"
	EventAnswered = "call:answered"
	EventEnded    = "call:ended"
	EventRejected = "call:rejected"
	EventError    = "call:error"

	// Channel lifecycle, published locally by the signaling client.
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// ── Payload structs ───────────────────────────────────────────────────────────
//
// Signaling sequence:
//
//   caller                               callee
//   ───────────────────────────────────────────────────────────────
//   call:offer  ──────────────────────► call:incoming   (ringing)
//               ◄────────────────────── call:answer     (on answer)
//   call:answered
//   call:ice-candidate ◄──────────────► call:ice-candidate (trickle)
//   call:end / call:reject / call:busy ─► either side, any time

// OfferPayload is sent by the caller to start a call.
type OfferPayload struct {
	CallID      string `json:"callId"`
	RecipientID string `json:"recipientId"`
	SDP         string `json:"sdp"`
	CallType    string `json:"callType"` // "audio" | "video"
}

// IncomingPayload is delivered to the callee for a new call.
type IncomingPayload struct {
	CallID   string `json:"callId"`
	CallerID string `json:"callerId"`
	SDP      string `json:"sdp"`
	CallType string `json:"callType"`
	ThreadID string `json:"threadId,omitempty"`
}

// AnswerPayload carries the callee's SDP answer. The server relays it to the
// caller as call:answered with the same shape.
type AnswerPayload struct {
	CallID string `json:"callId"`
	SDP    string `json:"sdp"`
}

// ICECandidate is the standard RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// ICEPayload carries one trickle ICE candidate in either direction.
type ICEPayload struct {
	CallID    string       `json:"callId"`
	Candidate ICECandidate `json:"candidate"`
}

// CallIDPayload is the body of end/reject/busy in either direction.
type CallIDPayload struct {
	CallID string `json:"callId"`
}

// ErrorPayload is the body of call:error.
type ErrorPayload struct {
	Message string `json:"message"`
}
