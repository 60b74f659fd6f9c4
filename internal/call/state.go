package call

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the call lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusRinging
	StatusConnecting
	StatusActive
	StatusEnded
)

func (s Status) String() string {
	names := []string{"idle", "calling", "ringing", "connecting", "active", "ended"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// live reports whether s belongs to an in-progress call.
func (s Status) live() bool {
	return s != StatusIdle && s != StatusEnded
}

// End reasons surfaced to the UI.
const (
	ReasonNoAnswer         = "No answer"
	ReasonConnectionFailed = "Connection failed"
	ReasonDisconnected     = "Disconnected"
	ReasonRejected         = "Call rejected"
	ReasonBusy             = "Busy"
	ReasonRemoteEnded      = "Call ended"
	ReasonHangup           = "Hung up"
	ReasonSetupFailed      = "Setup failed"
	ReasonSuperseded       = "Superseded"
	ReasonReset            = "Reset"
	ReasonShutdown         = "Shutdown"
)

// CallSession is the single authoritative record of the active call.
// Every field except ended is confined to the Manager's loop goroutine.
type CallSession struct {
	ID            string
	Role          Role
	Media         Media
	RemotePartyID string
	ThreadID      string
	Status        Status

	StartedAt  time.Time
	AnsweredAt time.Time
	Reason     string

	transport   Transport
	remoteOffer string // receiver: applied at answer time

	// Local candidates are held until our description has been handed to
	// signaling, then forwarded as they come.
	descSent   bool
	pendingICE []ICECandidate

	everActive bool
	timer      *time.Timer
	ended      atomic.Bool
}

// terminate flips the session into its terminal state exactly once.
func (s *CallSession) terminate() bool {
	return s.ended.CompareAndSwap(false, true)
}

func (s *CallSession) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// State is the observable snapshot consumed by the UI layer.
type State struct {
	Status        Status      `json:"-"`
	StatusName    string      `json:"status"`
	StatusText    string      `json:"status_text"`
	Active        bool        `json:"active"`
	CallID        string      `json:"call_id,omitempty"`
	RemotePartyID string      `json:"remote_party_id,omitempty"`
	Media         string      `json:"media,omitempty"`
	Role          string      `json:"role,omitempty"`
	Muted         bool        `json:"muted"`
	VideoEnabled  bool        `json:"video_enabled"`
	Speaker       bool        `json:"speaker"`
	LocalVideo    bool        `json:"local_video"`
	RemoteVideo   RemoteTrack `json:"-"`
	RemoteVideoID string      `json:"remote_video_id,omitempty"`
	EndReason     string      `json:"end_reason,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	Signaling     bool        `json:"signaling_available"`
	Version       uint64      `json:"version"`
}

// statusText is the human-readable line shown by the UI.
func statusText(s Status, reason string) string {
	switch s {
	case StatusCalling:
		return "Calling..."
	case StatusRinging:
		return "Incoming call"
	case StatusConnecting:
		return "Connecting..."
	case StatusActive:
		return "Connected"
	case StatusEnded:
		if reason != "" {
			return "Call ended: " + reason
		}
		return "Call ended"
	}
	return ""
}

// StateCell holds the current State. The Manager's loop is the only writer;
// any goroutine may read or subscribe.
type StateCell struct {
	mu   sync.RWMutex
	cur  State
	subs map[chan State]struct{}
}

func newStateCell() *StateCell {
	c := &StateCell{subs: make(map[chan State]struct{})}
	c.cur.StatusName = StatusIdle.String()
	return c
}

// Load returns the current snapshot.
func (c *StateCell) Load() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// update applies fn to a copy of the current state, stores it and fans it out.
func (c *StateCell) update(fn func(*State)) State {
	c.mu.Lock()
	next := c.cur
	fn(&next)
	next.StatusName = next.Status.String()
	next.StatusText = statusText(next.Status, next.EndReason)
	next.Active = next.Status.live()
	if next.RemoteVideo != nil {
		next.RemoteVideoID = next.RemoteVideo.ID()
	} else {
		next.RemoteVideoID = ""
	}
	next.Version = c.cur.Version + 1
	c.cur = next
	for ch := range c.subs {
		select {
		case ch <- next:
		default:
			log.Warnf("CALL: state subscriber full, dropping v%d", next.Version)
		}
	}
	c.mu.Unlock()
	return next
}

// Subscribe returns a channel receiving every new snapshot, primed with the
// current one.
func (c *StateCell) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 64)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.cur
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *StateCell) closeAll() {
	c.mu.Lock()
	for ch := range c.subs {
		close(ch)
	}
	c.subs = make(map[chan State]struct{})
	c.mu.Unlock()
}
