package call

import (
	"context"
	"encoding/json"
	"time"
)

// Media is the kind of call. It is fixed when the session starts.
type Media int

const (
	MediaAudio Media = iota
	MediaVideo
)

func (m Media) String() string {
	if m == MediaVideo {
		return "video"
	}
	return "audio"
}

// ParseMedia maps a wire callType to a Media. Unknown values are audio.
func ParseMedia(s string) Media {
	if s == "video" {
		return MediaVideo
	}
	return MediaAudio
}

// Role is which side of the call we are.
type Role int

const (
	RoleInitiator Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "initiator"
}

// ConnState is the transport connection state, with the signaling and ICE
// state machines collapsed into the values the controller acts on.
type ConnState int

const (
	ConnConnecting ConnState = iota
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// SDPType is the type of a session description.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// RemoteTrack is the handle to the remote video feed handed to the UI layer.
type RemoteTrack interface {
	ID() string
	MimeType() string
}

// Transport owns one peer connection, its local tracks and capture devices
// for the lifetime of a single call attempt. It is created already
// initialized by a TransportFactory.
//
// CreateOffer, CreateAnswer and SetRemoteDescription block until the local
// (or remote) description is confirmed set; the Manager always runs them off
// its mutation loop and feeds the result back in as an event.
type Transport interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)

	// SetRemoteDescription applies a remote offer or answer. For an offer the
	// answer is created and set as a chained side effect and returned.
	SetRemoteDescription(ctx context.Context, sd SessionDescription) (*SessionDescription, error)

	// AddRemoteICECandidate may be called before the remote description is set.
	AddRemoteICECandidate(c ICECandidate) error

	SetLocalMuted(muted bool)
	SetLocalVideoEnabled(enabled bool)
	SwitchCamera() error

	// HasLocalVideo reports whether camera capture is running.
	HasLocalVideo() bool

	// Close releases capture devices, tracks and the connection. Idempotent.
	Close() error
}

// TransportEvents is the callback set a Transport reports through. Callbacks
// may fire on any goroutine.
type TransportEvents struct {
	OnLocalICE        func(ICECandidate)
	OnConnectionState func(ConnState)
	// OnRemoteVideo is called with nil when the remote video goes away.
	OnRemoteVideo func(RemoteTrack)
}

// TransportOptions describes the call a transport is created for.
type TransportOptions struct {
	CallID string
	Media  Media
	Role   Role
}

// TransportFactory creates and initializes the transport for one call attempt.
type TransportFactory func(opts TransportOptions, ev TransportEvents) (Transport, error)

// Envelope is one inbound signaling event. It is a copy of the signaling
// client's envelope so this package does not import internal/signaling.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Signaler is the only surface the call package needs from the signaling
// layer. The adapter in internal/app satisfies it.
type Signaler interface {
	// Send emits one event. It must preserve call order per caller.
	Send(ctx context.Context, event string, payload any) error
	// Subscribe returns inbound events, including the connect/disconnect
	// lifecycle events.
	Subscribe() (ch <-chan *Envelope, cancel func())
	// Available reports whether the channel is currently connected.
	Available() bool
	// Ensure connects the channel if it is down. It fails when the channel
	// cannot be built at all (e.g. no identity).
	Ensure(ctx context.Context) error
}

// Record is the history entry written when a call reaches a terminal state.
type Record struct {
	CallID        string
	RemotePartyID string
	Role          Role
	Media         Media
	StartedAt     time.Time
	AnsweredAt    time.Time // zero if never answered
	EndedAt       time.Time
	Reason        string
}

// Recorder persists call history. Optional.
type Recorder interface {
	RecordCall(ctx context.Context, rec Record) error
}

// IncomingCall is handed to OnIncoming handlers when a call starts ringing.
type IncomingCall struct {
	CallID   string
	CallerID string
	Media    Media
	ThreadID string
}
