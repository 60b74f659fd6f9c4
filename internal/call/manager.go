// Package call is the call signaling and WebRTC session core: one Manager
// owns the call lifecycle and drives a Pion-backed Transport per call.
// Coupling to the rest of the app is via the Signaler, TransportFactory and
// Recorder seams only.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/skillswap/swapcall/internal/util"
)

var log = logging.Logger("call")

var (
	ErrCallActive           = errors.New("call: a call is already in progress")
	ErrNoSession            = errors.New("call: no active call")
	ErrInvalidState         = errors.New("call: not valid in the current call state")
	ErrSignalingUnavailable = errors.New("call: signaling unavailable")
	ErrNoTransport          = errors.New("call: no transport factory configured")
	ErrClosed               = errors.New("call: manager closed")
)

const (
	DefaultNoAnswerTimeout = 30 * time.Second

	defaultSendTimeout = 10 * time.Second
	sdpTimeout         = 15 * time.Second
	recordTimeout      = 5 * time.Second
	opsCap             = 256
	outboxCap          = 256
)

// Options configures a Manager.
type Options struct {
	SelfID          string
	NoAnswerTimeout time.Duration
	SendTimeout     time.Duration
	NewTransport    TransportFactory
	Recorder        Recorder
	Metrics         *Metrics
	// DiagnosticsSize bounds the in-memory diagnostics ring. Default 200.
	DiagnosticsSize int
}

// Diagnostic is one entry of the controller's diagnostics ring: dropped
// events, signaling errors and other non-fatal conditions.
type Diagnostic struct {
	TS     time.Time `json:"ts"`
	CallID string    `json:"call_id,omitempty"`
	Event  string    `json:"event"`
	Msg    string    `json:"msg"`
}

type outbound struct {
	event   string
	payload any
}

// uiFlags are the per-call toggles and sticky fields published with State.
type uiFlags struct {
	muted     bool
	video     bool
	speaker   bool
	remote    RemoteTrack
	endReason string
	lastErr   string
	signaling bool
}

// Manager is the call session controller. It is the single source of truth
// for the call lifecycle: UI intents, signaling events and transport
// callbacks are all funnelled through one loop goroutine, so every field
// below the loop marker is touched by that goroutine only.
type Manager struct {
	sig  Signaler
	opts Options

	state *StateCell
	diag  *util.RingBuffer[Diagnostic]

	ops    chan func()
	outbox chan outbound
	done   chan struct{}

	closeOnce sync.Once
	loopWG    sync.WaitGroup
	sendWG    sync.WaitGroup

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	// loop-confined
	sess         *CallSession
	ui           uiFlags
	newTransport TransportFactory
}

// New creates a Manager attached to sig and starts listening for signaling
// events immediately.
func New(sig Signaler, opts Options) *Manager {
	if opts.NoAnswerTimeout <= 0 {
		opts.NoAnswerTimeout = DefaultNoAnswerTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.DiagnosticsSize <= 0 {
		opts.DiagnosticsSize = 200
	}
	m := &Manager{
		sig:          sig,
		opts:         opts,
		state:        newStateCell(),
		diag:         util.NewRingBuffer[Diagnostic](opts.DiagnosticsSize),
		ops:          make(chan func(), opsCap),
		outbox:       make(chan outbound, outboxCap),
		done:         make(chan struct{}),
		newTransport: opts.NewTransport,
	}
	if sig != nil {
		m.ui.signaling = sig.Available()
		m.state.update(func(s *State) { s.Signaling = m.ui.signaling })
	}

	m.loopWG.Add(1)
	go m.loop()
	m.sendWG.Add(1)
	go m.sendLoop()
	if sig != nil {
		m.loopWG.Add(1)
		go m.dispatchLoop()
	}
	return m
}

// OnIncoming registers a callback fired for each call that starts ringing.
// Callbacks run on their own goroutine and may call back into the Manager.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// State returns the current observable snapshot.
func (m *Manager) State() State { return m.state.Load() }

// Subscribe streams state snapshots, starting with the current one.
func (m *Manager) Subscribe() (<-chan State, func()) { return m.state.Subscribe() }

// Diagnostics returns the recent diagnostics, oldest first.
func (m *Manager) Diagnostics() []Diagnostic { return m.diag.Snapshot() }

// SetTransportFactory replaces the factory used for the next call. The live
// call, if any, keeps its transport.
func (m *Manager) SetTransportFactory(f TransportFactory) {
	m.post(func() { m.newTransport = f })
}

// StartCall places an outbound call. It is a no-op returning ErrCallActive
// when a call already exists. The returned id identifies the new call.
func (m *Manager) StartCall(ctx context.Context, remotePartyID string, media Media) (string, error) {
	if remotePartyID == "" {
		return "", fmt.Errorf("%w: empty remote party", ErrInvalidState)
	}
	if m.opts.SelfID != "" && remotePartyID == m.opts.SelfID {
		return "", fmt.Errorf("%w: cannot call yourself", ErrInvalidState)
	}
	if err := m.ensureSignaling(ctx); err != nil {
		return "", err
	}

	var callID string
	err := m.run(ctx, func() error {
		if m.sess != nil {
			m.note(m.sess.ID, "start", "rejected: call already in progress")
			return ErrCallActive
		}
		sess := &CallSession{
			ID:            uuid.NewString(),
			Role:          RoleInitiator,
			Media:         media,
			RemotePartyID: remotePartyID,
			Status:        StatusCalling,
			StartedAt:     time.Now(),
		}
		if err := m.attach(sess); err != nil {
			return err
		}
		sess.timer = time.AfterFunc(m.opts.NoAnswerTimeout, func() {
			m.post(func() { m.noAnswer(sess) })
		})
		m.publish()
		log.Infof("CALL [%s]: calling %s (%s)", sess.ID, remotePartyID, media)

		go m.createOffer(sess, sess.transport)
		callID = sess.ID
		return nil
	})
	return callID, err
}

// AnswerCall accepts the ringing call. It is a no-op returning
// ErrInvalidState unless a call is ringing.
func (m *Manager) AnswerCall(ctx context.Context) error {
	if err := m.ensureSignaling(ctx); err != nil {
		return err
	}
	return m.run(ctx, func() error {
		sess := m.sess
		if sess == nil || sess.Status != StatusRinging {
			return ErrInvalidState
		}
		sess.Status = StatusConnecting
		sess.AnsweredAt = time.Now()
		m.publish()
		log.Infof("CALL [%s]: answering %s", sess.ID, sess.RemotePartyID)

		go m.applyRemoteOffer(sess, sess.transport, sess.remoteOffer)
		return nil
	})
}

// EndCall hangs up from any live state. A call that never became active is
// rejected towards the peer rather than ended. Cleanup happens before
// EndCall returns.
func (m *Manager) EndCall(ctx context.Context, reason string) error {
	if reason == "" {
		reason = ReasonHangup
	}
	return m.run(ctx, func() error {
		sess := m.sess
		if sess == nil {
			return ErrNoSession
		}
		m.finish(sess, reason, hangupEvent(sess))
		return nil
	})
}

// Reset ends any call like EndCall and clears the error field. It never
// fails on an idle manager.
func (m *Manager) Reset(ctx context.Context) error {
	return m.run(ctx, func() error {
		m.ui.lastErr = ""
		if sess := m.sess; sess != nil {
			m.finish(sess, ReasonReset, hangupEvent(sess))
			return nil
		}
		m.publish()
		return nil
	})
}

// ToggleMute flips the local microphone. Returns the new muted state.
func (m *Manager) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := m.run(ctx, func() error {
		if m.sess == nil {
			return ErrNoSession
		}
		m.ui.muted = !m.ui.muted
		m.sess.transport.SetLocalMuted(m.ui.muted)
		muted = m.ui.muted
		m.publish()
		return nil
	})
	return muted, err
}

// ToggleVideo flips the local camera track. Returns the new enabled state.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	var enabled bool
	err := m.run(ctx, func() error {
		if m.sess == nil {
			return ErrNoSession
		}
		m.ui.video = !m.ui.video
		m.sess.transport.SetLocalVideoEnabled(m.ui.video)
		enabled = m.ui.video
		m.publish()
		return nil
	})
	return enabled, err
}

// SwitchCamera moves capture to the next camera.
func (m *Manager) SwitchCamera(ctx context.Context) error {
	return m.run(ctx, func() error {
		if m.sess == nil {
			return ErrNoSession
		}
		if err := m.sess.transport.SwitchCamera(); err != nil {
			m.setError(m.sess.ID, "switch-camera", err.Error())
			return err
		}
		return nil
	})
}

// ToggleSpeaker flips the speaker route flag. Returns the new state.
func (m *Manager) ToggleSpeaker(ctx context.Context) (bool, error) {
	var on bool
	err := m.run(ctx, func() error {
		if m.sess == nil {
			return ErrNoSession
		}
		m.ui.speaker = !m.ui.speaker
		on = m.ui.speaker
		m.publish()
		return nil
	})
	return on, err
}

// ClearError clears the last error field.
func (m *Manager) ClearError(ctx context.Context) error {
	return m.run(ctx, func() error {
		m.ui.lastErr = ""
		m.publish()
		return nil
	})
}

// Close ends the live call, stops every goroutine and closes subscribers.
// Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = m.run(ctx, func() error {
			if sess := m.sess; sess != nil {
				m.finish(sess, ReasonShutdown, hangupEvent(sess))
			}
			return nil
		})
		cancel()

		close(m.done)
		m.loopWG.Wait()

		// Only the loop enqueues, so the outbox can be closed now; the sender
		// drains what is left.
		close(m.outbox)
		m.sendWG.Wait()
		m.state.closeAll()
	})
}

// ── loop ──────────────────────────────────────────────────────────────────────

func (m *Manager) loop() {
	defer m.loopWG.Done()
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.ops:
			fn()
		}
	}
}

// post queues fn on the loop. It returns false once the manager is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	case m.ops <- fn:
		return true
	}
}

// run executes fn on the loop and waits for its result. It must never be
// called from the loop itself.
func (m *Manager) run(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	if !m.post(func() { errCh <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) ensureSignaling(ctx context.Context) error {
	if m.sig == nil {
		return ErrSignalingUnavailable
	}
	if m.sig.Available() {
		return nil
	}
	err := m.sig.Ensure(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSignalingUnavailable) {
		return err
	}
	// Reconnect failed but the channel exists; proceed and let the outbox
	// retry when it sends.
	log.Warnf("CALL: signaling reconnect failed, proceeding: %v", err)
	return nil
}

// ── session plumbing (loop only) ──────────────────────────────────────────────

// attach creates the transport for sess and makes it the live session.
func (m *Manager) attach(sess *CallSession) error {
	if m.newTransport == nil {
		m.setError(sess.ID, "transport", ErrNoTransport.Error())
		return ErrNoTransport
	}
	ev := TransportEvents{
		OnLocalICE: func(c ICECandidate) {
			m.post(func() { m.localICE(sess, c) })
		},
		OnConnectionState: func(st ConnState) {
			m.post(func() { m.connState(sess, st) })
		},
		OnRemoteVideo: func(t RemoteTrack) {
			m.post(func() { m.remoteVideo(sess, t) })
		},
	}
	t, err := m.newTransport(TransportOptions{CallID: sess.ID, Media: sess.Media, Role: sess.Role}, ev)
	if err != nil {
		log.Errorf("CALL [%s]: transport setup failed: %v", sess.ID, err)
		m.setError(sess.ID, "transport", err.Error())
		return fmt.Errorf("call: open transport: %w", err)
	}
	sess.transport = t

	m.sess = sess
	m.ui.muted = false
	m.ui.video = sess.Media == MediaVideo && t.HasLocalVideo()
	m.ui.speaker = sess.Media == MediaVideo
	m.ui.remote = nil
	m.ui.endReason = ""
	if sess.Media == MediaVideo && !t.HasLocalVideo() {
		m.setError(sess.ID, "camera", "no local video, continuing audio-only")
	}
	m.opts.Metrics.callStarted(sess.Media, sess.Role)
	return nil
}

// finish moves sess to ENDED exactly once: stop the timer, tell the peer
// (reply may be empty), release the transport, then publish ENDED and IDLE.
func (m *Manager) finish(sess *CallSession, reason, reply string) {
	if !sess.terminate() {
		return
	}
	sess.stopTimer()
	if reply != "" {
		m.enqueue(reply, CallIDPayload{CallID: sess.ID})
	}
	if sess.transport != nil {
		if err := sess.transport.Close(); err != nil {
			log.Debugf("CALL [%s]: transport close: %v", sess.ID, err)
		}
	}

	sess.Status = StatusEnded
	sess.Reason = reason
	m.ui.endReason = reason
	m.ui.remote = nil
	m.publish()
	log.Infof("CALL [%s]: ended (%s)", sess.ID, reason)

	m.opts.Metrics.callEnded(reason)
	m.record(sess)

	if m.sess == sess {
		m.sess = nil
	}
	m.publish()
}

func hangupEvent(sess *CallSession) string {
	if sess.everActive {
		return EventEnd
	}
	return EventReject
}

func (m *Manager) record(sess *CallSession) {
	rec := m.opts.Recorder
	if rec == nil {
		return
	}
	r := Record{
		CallID:        sess.ID,
		RemotePartyID: sess.RemotePartyID,
		Role:          sess.Role,
		Media:         sess.Media,
		StartedAt:     sess.StartedAt,
		AnsweredAt:    sess.AnsweredAt,
		EndedAt:       time.Now(),
		Reason:        sess.Reason,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := rec.RecordCall(ctx, r); err != nil {
			log.Warnf("CALL [%s]: record history: %v", r.CallID, err)
		}
	}()
}

// publish rebuilds the observable state from the live session.
func (m *Manager) publish() {
	sess := m.sess
	ui := m.ui
	m.state.update(func(s *State) {
		s.EndReason = ui.endReason
		s.LastError = ui.lastErr
		s.Signaling = ui.signaling
		if sess == nil {
			s.Status = StatusIdle
			s.CallID, s.RemotePartyID, s.Media, s.Role = "", "", "", ""
			s.Muted, s.VideoEnabled, s.Speaker, s.LocalVideo = false, false, false, false
			s.RemoteVideo = nil
			return
		}
		s.Status = sess.Status
		s.CallID = sess.ID
		s.RemotePartyID = sess.RemotePartyID
		s.Media = sess.Media.String()
		s.Role = sess.Role.String()
		s.Muted = ui.muted
		s.VideoEnabled = ui.video
		s.Speaker = ui.speaker
		s.LocalVideo = sess.transport != nil && sess.transport.HasLocalVideo()
		s.RemoteVideo = ui.remote
	})
}

func (m *Manager) enqueue(event string, payload any) {
	select {
	case m.outbox <- outbound{event: event, payload: payload}:
	default:
		log.Errorf("CALL: outbox full, dropping %s", event)
	}
}

// flushICE marks our description as sent and forwards held candidates.
func (m *Manager) flushICE(sess *CallSession) {
	sess.descSent = true
	for _, c := range sess.pendingICE {
		m.enqueue(EventICECandidate, ICEPayload{CallID: sess.ID, Candidate: c})
	}
	sess.pendingICE = nil
}

// note appends a diagnostic without touching State.
func (m *Manager) note(callID, event, msg string) {
	m.diag.Push(Diagnostic{TS: time.Now(), CallID: callID, Event: event, Msg: msg})
}

// setError records msg as the user-visible last error.
func (m *Manager) setError(callID, event, msg string) {
	m.note(callID, event, msg)
	m.ui.lastErr = msg
	m.publish()
}

// drop discards a stale or out-of-order inbound event.
func (m *Manager) drop(event, callID, why string) {
	log.Debugf("CALL [%s]: dropping %s: %s", callID, event, why)
	m.opts.Metrics.eventDropped(event)
	m.note(callID, event, "dropped: "+why)
}

// ── async transport work (off loop) ───────────────────────────────────────────

func (m *Manager) createOffer(sess *CallSession, t Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), sdpTimeout)
	defer cancel()
	sd, err := t.CreateOffer(ctx)
	m.post(func() { m.offerCreated(sess, sd, err) })
}

func (m *Manager) applyRemoteOffer(sess *CallSession, t Transport, offer string) {
	ctx, cancel := context.WithTimeout(context.Background(), sdpTimeout)
	defer cancel()
	answer, err := t.SetRemoteDescription(ctx, SessionDescription{Type: SDPOffer, SDP: offer})
	if err == nil && answer == nil {
		var sd SessionDescription
		sd, err = t.CreateAnswer(ctx)
		answer = &sd
	}
	m.post(func() { m.answerCreated(sess, answer, err) })
}

func (m *Manager) applyRemoteAnswer(sess *CallSession, t Transport, sdp string) {
	ctx, cancel := context.WithTimeout(context.Background(), sdpTimeout)
	defer cancel()
	_, err := t.SetRemoteDescription(ctx, SessionDescription{Type: SDPAnswer, SDP: sdp})
	if err != nil {
		m.post(func() { m.setupFailed(sess, "set remote answer", err) })
	}
}

// ── async results and transport callbacks (loop) ──────────────────────────────

func (m *Manager) offerCreated(sess *CallSession, sd SessionDescription, err error) {
	if m.sess != sess || sess.Status != StatusCalling {
		return
	}
	if err != nil {
		m.setupFailed(sess, "create offer", err)
		return
	}
	m.enqueue(EventOffer, OfferPayload{
		CallID:      sess.ID,
		RecipientID: sess.RemotePartyID,
		SDP:         sd.SDP,
		CallType:    sess.Media.String(),
	})
	m.flushICE(sess)
	log.Debugf("CALL [%s]: offer sent to %s", sess.ID, sess.RemotePartyID)
}

func (m *Manager) answerCreated(sess *CallSession, sd *SessionDescription, err error) {
	if m.sess != sess || sess.Status != StatusConnecting {
		return
	}
	if err != nil {
		m.setupFailed(sess, "create answer", err)
		return
	}
	m.enqueue(EventAnswer, AnswerPayload{CallID: sess.ID, SDP: sd.SDP})
	m.flushICE(sess)
	log.Debugf("CALL [%s]: answer sent to %s", sess.ID, sess.RemotePartyID)
}

func (m *Manager) setupFailed(sess *CallSession, step string, err error) {
	if m.sess != sess {
		return
	}
	log.Errorf("CALL [%s]: %s: %v", sess.ID, step, err)
	m.ui.lastErr = step + ": " + err.Error()
	m.note(sess.ID, step, err.Error())
	reply := hangupEvent(sess)
	if sess.Role == RoleInitiator && !sess.descSent {
		// The peer has never heard of this call.
		reply = ""
	}
	m.finish(sess, ReasonSetupFailed, reply)
}

func (m *Manager) noAnswer(sess *CallSession) {
	if m.sess != sess || sess.Status != StatusCalling {
		return
	}
	log.Infof("CALL [%s]: no answer after %s", sess.ID, m.opts.NoAnswerTimeout)
	m.finish(sess, ReasonNoAnswer, EventReject)
}

func (m *Manager) localICE(sess *CallSession, c ICECandidate) {
	if m.sess != sess || sess.ended.Load() {
		return
	}
	if !sess.descSent {
		sess.pendingICE = append(sess.pendingICE, c)
		return
	}
	m.enqueue(EventICECandidate, ICEPayload{CallID: sess.ID, Candidate: c})
}

func (m *Manager) connState(sess *CallSession, st ConnState) {
	if m.sess != sess {
		return
	}
	log.Debugf("CALL [%s]: transport %s (status %s)", sess.ID, st, sess.Status)
	switch st {
	case ConnConnected:
		if sess.Status == StatusConnecting {
			sess.Status = StatusActive
			sess.everActive = true
			m.publish()
			log.Infof("CALL [%s]: connected with %s", sess.ID, sess.RemotePartyID)
		}
	case ConnFailed:
		if sess.Status == StatusConnecting || sess.Status == StatusActive {
			m.finish(sess, ReasonConnectionFailed, hangupEvent(sess))
		}
	case ConnDisconnected:
		if sess.Status == StatusConnecting || sess.Status == StatusActive {
			m.finish(sess, ReasonDisconnected, hangupEvent(sess))
		}
	}
}

func (m *Manager) remoteVideo(sess *CallSession, t RemoteTrack) {
	if m.sess != sess {
		return
	}
	m.ui.remote = t
	m.publish()
}

// ── outbound sender ───────────────────────────────────────────────────────────

// sendLoop emits outbound events in enqueue order.
func (m *Manager) sendLoop() {
	defer m.sendWG.Done()
	for ob := range m.outbox {
		if m.sig == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
		err := m.sig.Send(ctx, ob.event, ob.payload)
		if err != nil && !m.sig.Available() {
			if rerr := m.sig.Ensure(ctx); rerr == nil {
				err = m.sig.Send(ctx, ob.event, ob.payload)
			}
		}
		cancel()
		if err != nil {
			log.Warnf("CALL: send %s failed: %v", ob.event, err)
			event, msg := ob.event, err.Error()
			m.post(func() { m.setError("", event, "signaling: "+msg) })
		}
	}
}
