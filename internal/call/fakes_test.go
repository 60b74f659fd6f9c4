package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sentEvent struct {
	event   string
	payload any
}

type fakeSignaler struct {
	mu        sync.Mutex
	sent      []sentEvent
	ensureErr error
	ensures   int

	in        chan *Envelope
	available atomic.Bool
}

func newFakeSignaler() *fakeSignaler {
	s := &fakeSignaler{in: make(chan *Envelope, 16)}
	s.available.Store(true)
	return s
}

func (s *fakeSignaler) Send(_ context.Context, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (s *fakeSignaler) Subscribe() (<-chan *Envelope, func()) { return s.in, func() {} }

func (s *fakeSignaler) Available() bool { return s.available.Load() }

func (s *fakeSignaler) Ensure(context.Context) error {
	s.mu.Lock()
	s.ensures++
	err := s.ensureErr
	s.mu.Unlock()
	if err == nil {
		s.available.Store(true)
	}
	return err
}

func (s *fakeSignaler) events() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.sent...)
}

func (s *fakeSignaler) count(event string) int {
	n := 0
	for _, e := range s.events() {
		if e.event == event {
			n++
		}
	}
	return n
}

func (s *fakeSignaler) find(event string) (sentEvent, bool) {
	for _, e := range s.events() {
		if e.event == event {
			return e, true
		}
	}
	return sentEvent{}, false
}

func waitSent(t *testing.T, s *fakeSignaler, event string) sentEvent {
	t.Helper()
	var got sentEvent
	require.Eventually(t, func() bool {
		var ok bool
		got, ok = s.find(event)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "no %s sent", event)
	return got
}

type fakeTransport struct {
	opts TransportOptions
	ev   TransportEvents

	mu         sync.Mutex
	video      bool
	remote     []SessionDescription
	candidates []ICECandidate
	muted      bool
	videoOn    bool
	switches   int
	closes     int
	offerGate  chan struct{}
	offerErr   error
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if t.offerGate != nil {
		select {
		case <-t.offerGate:
		case <-ctx.Done():
			return SessionDescription{}, ctx.Err()
		}
	}
	if t.offerErr != nil {
		return SessionDescription{}, t.offerErr
	}
	return SessionDescription{Type: SDPOffer, SDP: "offer-sdp"}, nil
}

func (t *fakeTransport) CreateAnswer(context.Context) (SessionDescription, error) {
	return SessionDescription{Type: SDPAnswer, SDP: "answer-sdp"}, nil
}

func (t *fakeTransport) SetRemoteDescription(ctx context.Context, sd SessionDescription) (*SessionDescription, error) {
	t.mu.Lock()
	t.remote = append(t.remote, sd)
	t.mu.Unlock()
	if sd.Type != SDPOffer {
		return nil, nil
	}
	answer, err := t.CreateAnswer(ctx)
	return &answer, err
}

func (t *fakeTransport) AddRemoteICECandidate(c ICECandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) SetLocalMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

func (t *fakeTransport) SetLocalVideoEnabled(enabled bool) {
	t.mu.Lock()
	t.videoOn = enabled
	t.mu.Unlock()
}

func (t *fakeTransport) SwitchCamera() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.video {
		return errors.New("no local camera")
	}
	t.switches++
	return nil
}

func (t *fakeTransport) HasLocalVideo() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.video
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *fakeTransport) remoteDescs() []SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SessionDescription(nil), t.remote...)
}

type fakeFactory struct {
	mu        sync.Mutex
	made      []*fakeTransport
	noVideo   bool
	err       error
	offerGate chan struct{}
	offerErr  error
}

func (f *fakeFactory) New(opts TransportOptions, ev TransportEvents) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{
		opts:      opts,
		ev:        ev,
		video:     opts.Media == MediaVideo && !f.noVideo,
		offerGate: f.offerGate,
		offerErr:  f.offerErr,
	}
	f.made = append(f.made, t)
	return t, nil
}

func (f *fakeFactory) all() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.made...)
}

func (f *fakeFactory) last(t *testing.T) *fakeTransport {
	t.Helper()
	all := f.all()
	require.NotEmpty(t, all, "no transport created")
	return all[len(all)-1]
}

type fakeTrack struct{ id string }

func (f fakeTrack) ID() string       { return f.id }
func (f fakeTrack) MimeType() string { return "video/VP8" }

type fakeRecorder struct{ got chan Record }

func (r *fakeRecorder) RecordCall(_ context.Context, rec Record) error {
	r.got <- rec
	return nil
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeSignaler, *fakeFactory) {
	t.Helper()
	sig := newFakeSignaler()
	ff := &fakeFactory{}
	if opts.NewTransport == nil {
		opts.NewTransport = ff.New
	}
	m := New(sig, opts)
	t.Cleanup(m.Close)
	return m, sig, ff
}

// waitStatus reads snapshots from ch until one has status want.
func waitStatus(t *testing.T, ch <-chan State, want Status) State {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatalf("state stream closed waiting for %s", want)
			}
			if s.Status == want {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// settle runs a no-op on the loop so every previously posted event is done.
func settle(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.run(context.Background(), func() error { return nil }))
}
