package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ICEServer is one STUN/TURN entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// CaptureConfig is the local capture profile.
type CaptureConfig struct {
	Width       int
	Height      int
	FPS         int
	PreferFront bool

	// Audio processing requested from the capture driver.
	EchoCancellation bool
	AutoGainControl  bool
	NoiseSuppression bool
	HighpassFilter   bool
}

// TransportConfig is everything a PeerTransport is built from.
type TransportConfig struct {
	ICEServers []ICEServer

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepalive           time.Duration

	Capture CaptureConfig
}

// DefaultTransportConfig is a single public STUN server and a 640×480@30
// capture profile with all audio processing on.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ICEServers:             []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		ICEDisconnectedTimeout: 30 * time.Second,
		ICEFailedTimeout:       120 * time.Second,
		ICEKeepalive:           2 * time.Second,
		Capture: CaptureConfig{
			Width:            640,
			Height:           480,
			FPS:              30,
			PreferFront:      true,
			EchoCancellation: true,
			AutoGainControl:  true,
			NoiseSuppression: true,
			HighpassFilter:   true,
		},
	}
}

var errTransportClosed = errors.New("call: transport closed")

// localMedia is the capture side of a transport. Platform files implement it.
type localMedia interface {
	hasVideo() bool
	setAudioEnabled(enabled bool) error
	setVideoEnabled(enabled bool) error
	switchCamera() error
	close()
}

// mediaOpener captures local tracks onto pc. It returns nil localMedia when
// nothing could be captured; the connection is then receive-only.
type mediaOpener func(callID string, pc *webrtc.PeerConnection, media Media) localMedia

// mediaSetup registers codecs on a fresh media engine and returns the opener
// for one transport. setupMedia is the platform implementation.
type mediaSetup func(cfg CaptureConfig, me *webrtc.MediaEngine) (mediaOpener, error)

// PeerTransport is the Pion implementation of Transport.
type PeerTransport struct {
	id    string
	media Media
	pc    *webrtc.PeerConnection
	ev    TransportEvents
	local localMedia

	mu            sync.Mutex
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	remoteVideo   *RemoteVideo
	closed        bool
}

// NewTransportFactory returns a TransportFactory building PeerTransports from
// cfg. Each call gets its own API, media engine and capture.
func NewTransportFactory(cfg TransportConfig) TransportFactory {
	return func(opts TransportOptions, ev TransportEvents) (Transport, error) {
		return NewPeerTransport(cfg, opts, ev)
	}
}

// NewPeerTransport builds the peer connection, captures local media for
// opts.Media and wires ev.
func NewPeerTransport(cfg TransportConfig, opts TransportOptions, ev TransportEvents) (*PeerTransport, error) {
	return newPeerTransport(cfg, opts, ev, setupMedia)
}

func newPeerTransport(cfg TransportConfig, opts TransportOptions, ev TransportEvents, setup mediaSetup) (*PeerTransport, error) {
	mediaEngine := &webrtc.MediaEngine{}
	open, err := setup(cfg.Capture, mediaEngine)
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.ICEDisconnectedTimeout > 0 {
		se.SetICETimeouts(cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout, cfg.ICEKeepalive)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: pionICEServers(cfg.ICEServers)})
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	t := &PeerTransport{id: opts.CallID, media: opts.Media, pc: pc, ev: ev}
	t.local = open(opts.CallID, pc, opts.Media)
	t.ensureRecvTransceivers()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.ev.OnLocalICE == nil {
			return
		}
		init := c.ToJSON()
		ic := ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			ic.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			ic.SDPMLineIndex = *init.SDPMLineIndex
		}
		t.ev.OnLocalICE(ic)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("CALL [%s]: peer connection %s", t.id, s)
		st, ok := connStateFromPion(s)
		if ok && t.ev.OnConnectionState != nil {
			t.ev.OnConnectionState(st)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		log.Infof("CALL [%s]: remote %s track %s", t.id, track.Kind(), track.Codec().MimeType)
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			go drainTrack(track)
			return
		}
		rv := newRemoteVideo(t.pc, track)
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.remoteVideo = rv
		t.mu.Unlock()
		if t.ev.OnRemoteVideo != nil {
			t.ev.OnRemoteVideo(rv)
		}
		go func() {
			rv.run()
			t.mu.Lock()
			gone := t.remoteVideo == rv && !t.closed
			if gone {
				t.remoteVideo = nil
			}
			t.mu.Unlock()
			if gone && t.ev.OnRemoteVideo != nil {
				t.ev.OnRemoteVideo(nil)
			}
		}()
	})

	log.Debugf("CALL [%s]: transport ready (%s, %s, local video=%v)", t.id, opts.Media, opts.Role, t.HasLocalVideo())
	return t, nil
}

// ensureRecvTransceivers gives audio and video a transceiver each, whatever
// the call's media and local capture. The remote side decides what it sends,
// so every description offers to receive both.
func (t *PeerTransport) ensureRecvTransceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		have := false
		for _, tr := range t.pc.GetTransceivers() {
			if tr.Kind() == kind {
				have = true
				break
			}
		}
		if have {
			continue
		}
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("CALL [%s]: AddTransceiver(%s): %v", t.id, kind, err)
		}
	}
}

// CreateOffer creates and sets the local offer.
func (t *PeerTransport) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if t.isClosed() {
		return SessionDescription{}, errTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return SessionDescription{Type: SDPOffer, SDP: offer.SDP}, nil
}

// CreateAnswer creates and sets the local answer. The remote offer must be set.
func (t *PeerTransport) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	if t.isClosed() {
		return SessionDescription{}, errTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return SessionDescription{Type: SDPAnswer, SDP: answer.SDP}, nil
}

// SetRemoteDescription applies sd, flushes held remote candidates and, for an
// offer, creates and returns the answer.
func (t *PeerTransport) SetRemoteDescription(ctx context.Context, sd SessionDescription) (*SessionDescription, error) {
	if t.isClosed() {
		return nil, errTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	typ := webrtc.SDPTypeAnswer
	if sd.Type == SDPOffer {
		typ = webrtc.SDPTypeOffer
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sd.SDP}); err != nil {
		return nil, fmt.Errorf("set remote %s: %w", sd.Type, err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingRemote
	t.pendingRemote = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			log.Debugf("CALL [%s]: held candidate rejected: %v", t.id, err)
		}
	}

	if sd.Type != SDPOffer {
		return nil, nil
	}
	answer, err := t.CreateAnswer(ctx)
	if err != nil {
		return nil, err
	}
	return &answer, nil
}

// AddRemoteICECandidate adds c, holding it until a remote description exists.
func (t *PeerTransport) AddRemoteICECandidate(c ICECandidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	if !t.remoteSet {
		t.pendingRemote = append(t.pendingRemote, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(init)
}

func (t *PeerTransport) SetLocalMuted(muted bool) {
	if t.local == nil {
		return
	}
	if err := t.local.setAudioEnabled(!muted); err != nil {
		log.Warnf("CALL [%s]: mute=%v: %v", t.id, muted, err)
	}
}

func (t *PeerTransport) SetLocalVideoEnabled(enabled bool) {
	if t.local == nil || !t.local.hasVideo() {
		return
	}
	if err := t.local.setVideoEnabled(enabled); err != nil {
		log.Warnf("CALL [%s]: video=%v: %v", t.id, enabled, err)
	}
}

func (t *PeerTransport) SwitchCamera() error {
	if t.local == nil || !t.local.hasVideo() {
		return errors.New("no local camera")
	}
	return t.local.switchCamera()
}

func (t *PeerTransport) HasLocalVideo() bool {
	return t.local != nil && t.local.hasVideo()
}

// Close stops capture and closes the peer connection. Safe to call twice.
func (t *PeerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.pendingRemote = nil
	rv := t.remoteVideo
	t.remoteVideo = nil
	t.mu.Unlock()

	if rv != nil {
		rv.stop()
	}
	if t.local != nil {
		t.local.close()
	}
	err := t.pc.Close()
	log.Debugf("CALL [%s]: transport closed", t.id)
	return err
}

func (t *PeerTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func pionICEServers(in []ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func connStateFromPion(s webrtc.PeerConnectionState) (ConnState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		return ConnConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed, true
	case webrtc.PeerConnectionStateClosed:
		return ConnClosed, true
	}
	return 0, false
}

// drainTrack reads and discards a track nobody renders here; audio playout is
// owned by the platform layer.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
