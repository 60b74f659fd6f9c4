package call

import (
	"encoding/json"
	"time"
)

// dispatchLoop reads signaling events and routes them to the handlers.
func (m *Manager) dispatchLoop() {
	defer m.loopWG.Done()
	ch, cancel := m.sig.Subscribe()
	defer cancel()
	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env *Envelope) {
	if env == nil {
		return
	}
	switch env.Event {
	case EventIncoming:
		var p IncomingPayload
		if m.decode(env, &p) {
			m.HandleIncomingOffer(p)
		}
	case EventAnswered, EventAnswer:
		var p AnswerPayload
		if m.decode(env, &p) {
			m.HandleAnswered(p)
		}
	case EventICECandidate:
		var p ICEPayload
		if m.decode(env, &p) {
			m.HandleRemoteICE(p)
		}
	case EventEnded, EventEnd:
		var p CallIDPayload
		if m.decode(env, &p) {
			m.HandleRemoteEnd(p)
		}
	case EventRejected, EventReject:
		var p CallIDPayload
		if m.decode(env, &p) {
			m.HandleRemoteReject(p)
		}
	case EventBusy:
		var p CallIDPayload
		if m.decode(env, &p) {
			m.HandleRemoteBusy(p)
		}
	case EventError:
		var p ErrorPayload
		if m.decode(env, &p) {
			m.HandleSignalingError(p)
		}
	case EventConnect:
		m.post(func() { m.signalingUp(true) })
	case EventDisconnect, EventConnectError:
		m.post(func() { m.signalingUp(false) })
	default:
		log.Debugf("CALL: ignoring signaling event %q", env.Event)
	}
}

func (m *Manager) decode(env *Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Warnf("CALL: bad %s payload: %v", env.Event, err)
		event, msg := env.Event, err.Error()
		m.post(func() { m.drop(event, "", "malformed payload: "+msg) })
		return false
	}
	return true
}

// HandleIncomingOffer starts ringing for a new call, or replies busy when a
// call is already in progress.
func (m *Manager) HandleIncomingOffer(p IncomingPayload) {
	m.post(func() { m.incomingOffer(p) })
}

// HandleAnswered applies the callee's answer to our outgoing call.
func (m *Manager) HandleAnswered(p AnswerPayload) {
	m.post(func() { m.answered(p) })
}

// HandleRemoteICE hands a trickled candidate to the live transport.
func (m *Manager) HandleRemoteICE(p ICEPayload) {
	m.post(func() { m.remoteICE(p) })
}

// HandleRemoteEnd ends the matching call because the peer hung up.
func (m *Manager) HandleRemoteEnd(p CallIDPayload) {
	m.post(func() { m.remoteTerminal(EventEnded, p.CallID, ReasonRemoteEnded) })
}

// HandleRemoteReject ends the matching call because the peer declined it.
func (m *Manager) HandleRemoteReject(p CallIDPayload) {
	m.post(func() { m.remoteTerminal(EventRejected, p.CallID, ReasonRejected) })
}

// HandleRemoteBusy ends the matching call because the peer is in another call.
func (m *Manager) HandleRemoteBusy(p CallIDPayload) {
	m.post(func() { m.remoteTerminal(EventBusy, p.CallID, ReasonBusy) })
}

// HandleSignalingError surfaces a server-side error. It does not end the call.
func (m *Manager) HandleSignalingError(p ErrorPayload) {
	m.post(func() {
		id := ""
		if m.sess != nil {
			id = m.sess.ID
		}
		log.Warnf("CALL [%s]: signaling error: %s", id, p.Message)
		m.setError(id, EventError, p.Message)
	})
}

// ── loop side ─────────────────────────────────────────────────────────────────

func (m *Manager) incomingOffer(p IncomingPayload) {
	if p.CallID == "" || p.SDP == "" {
		m.drop(EventIncoming, p.CallID, "missing callId or sdp")
		return
	}
	if m.opts.SelfID != "" && p.CallerID == m.opts.SelfID {
		m.drop(EventIncoming, p.CallID, "offer from self")
		return
	}
	if sess := m.sess; sess != nil {
		switch {
		case sess.ID == p.CallID:
			m.drop(EventIncoming, p.CallID, "duplicate offer")
			return
		case sess.Status == StatusCalling && sess.RemotePartyID == p.CallerID && p.CallID < sess.ID:
			// Both sides dialled each other; the smaller call id survives
			// on both ends.
			log.Infof("CALL [%s]: glare with %s, yielding to %s", sess.ID, p.CallerID, p.CallID)
			m.note(sess.ID, EventIncoming, "glare: superseded by "+p.CallID)
			m.finish(sess, ReasonSuperseded, "")
		default:
			log.Infof("CALL [%s]: busy, refusing %s from %s", sess.ID, p.CallID, p.CallerID)
			m.enqueue(EventBusy, CallIDPayload{CallID: p.CallID})
			m.opts.Metrics.busyReply()
			m.note(p.CallID, EventIncoming, "replied busy")
			return
		}
	}

	sess := &CallSession{
		ID:            p.CallID,
		Role:          RoleReceiver,
		Media:         ParseMedia(p.CallType),
		RemotePartyID: p.CallerID,
		ThreadID:      p.ThreadID,
		Status:        StatusRinging,
		StartedAt:     time.Now(),
		remoteOffer:   p.SDP,
	}
	if err := m.attach(sess); err != nil {
		// Cannot take the call at all.
		m.enqueue(EventReject, CallIDPayload{CallID: p.CallID})
		return
	}
	m.publish()
	log.Infof("CALL [%s]: incoming %s call from %s", sess.ID, sess.Media, sess.RemotePartyID)

	ic := &IncomingCall{CallID: sess.ID, CallerID: sess.RemotePartyID, Media: sess.Media, ThreadID: sess.ThreadID}
	m.incomingMu.RLock()
	handlers := append([]func(*IncomingCall){}, m.incoming...)
	m.incomingMu.RUnlock()
	if len(handlers) > 0 {
		go func() {
			for _, h := range handlers {
				h(ic)
			}
		}()
	}
}

func (m *Manager) answered(p AnswerPayload) {
	sess := m.sess
	if sess == nil || sess.ID != p.CallID {
		m.drop(EventAnswered, p.CallID, "no matching call")
		return
	}
	if sess.Role != RoleInitiator || sess.Status != StatusCalling {
		m.drop(EventAnswered, p.CallID, "not awaiting an answer in "+sess.Status.String())
		return
	}
	sess.stopTimer()
	sess.Status = StatusConnecting
	sess.AnsweredAt = time.Now()
	m.publish()
	log.Infof("CALL [%s]: answered by %s", sess.ID, sess.RemotePartyID)

	go m.applyRemoteAnswer(sess, sess.transport, p.SDP)
}

func (m *Manager) remoteICE(p ICEPayload) {
	sess := m.sess
	if sess == nil || sess.ID != p.CallID || sess.ended.Load() {
		m.drop(EventICECandidate, p.CallID, "no matching call")
		return
	}
	if err := sess.transport.AddRemoteICECandidate(p.Candidate); err != nil {
		log.Debugf("CALL [%s]: add remote candidate: %v", sess.ID, err)
		m.note(sess.ID, EventICECandidate, err.Error())
	}
}

func (m *Manager) remoteTerminal(event, callID, reason string) {
	sess := m.sess
	if sess == nil || sess.ID != callID {
		m.drop(event, callID, "no matching call")
		return
	}
	m.finish(sess, reason, "")
}

func (m *Manager) signalingUp(up bool) {
	if m.ui.signaling == up {
		return
	}
	m.ui.signaling = up
	if up {
		log.Infof("CALL: signaling connected")
	} else {
		log.Warnf("CALL: signaling disconnected")
	}
	m.publish()
}
