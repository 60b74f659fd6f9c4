package app

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/swapcall/internal/call"
	"github.com/skillswap/swapcall/internal/config"
	"github.com/skillswap/swapcall/internal/signaling"
	"github.com/skillswap/swapcall/internal/storage"
)

// loopTransport connects as soon as a remote description lands.
type loopTransport struct {
	ev   call.TransportEvents
	mu   sync.Mutex
	shut bool
}

func (t *loopTransport) CreateOffer(context.Context) (call.SessionDescription, error) {
	return call.SessionDescription{Type: call.SDPOffer, SDP: "v=0 offer"}, nil
}

func (t *loopTransport) CreateAnswer(context.Context) (call.SessionDescription, error) {
	return call.SessionDescription{Type: call.SDPAnswer, SDP: "v=0 answer"}, nil
}

func (t *loopTransport) SetRemoteDescription(ctx context.Context, sd call.SessionDescription) (*call.SessionDescription, error) {
	go t.ev.OnConnectionState(call.ConnConnected)
	if sd.Type != call.SDPOffer {
		return nil, nil
	}
	a, err := t.CreateAnswer(ctx)
	return &a, err
}

func (t *loopTransport) AddRemoteICECandidate(call.ICECandidate) error { return nil }
func (t *loopTransport) SetLocalMuted(bool)                            {}
func (t *loopTransport) SetLocalVideoEnabled(bool)                     {}
func (t *loopTransport) SwitchCamera() error                           { return nil }
func (t *loopTransport) HasLocalVideo() bool                           { return false }

func (t *loopTransport) Close() error {
	t.mu.Lock()
	t.shut = true
	t.mu.Unlock()
	return nil
}

func loopFactory(opts call.TransportOptions, ev call.TransportEvents) (call.Transport, error) {
	return &loopTransport{ev: ev}, nil
}

func newPeer(t *testing.T, url, user string, rec call.Recorder) *call.Manager {
	t.Helper()
	client, err := signaling.New(signaling.Config{
		URL:        url,
		UserID:     user,
		Token:      "tok-" + user,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 40 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	mgr := call.New(signaler{c: client}, call.Options{
		SelfID:       user,
		NewTransport: loopFactory,
		Recorder:     rec,
	})
	t.Cleanup(func() {
		mgr.Close()
		_ = client.Close()
	})
	return mgr
}

func waitStatus(t *testing.T, m *call.Manager, want call.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State().Status == want },
		3*time.Second, 10*time.Millisecond, "want %s, have %s", want, m.State().Status)
}

func TestCallThroughRelay(t *testing.T) {
	relay := signaling.NewRelay()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	alice := newPeer(t, url, "alice", recorder{db: db, keep: 10})
	bob := newPeer(t, url, "bob", nil)
	require.Eventually(t, func() bool { return relay.Online("alice") && relay.Online("bob") },
		2*time.Second, 10*time.Millisecond)

	rang := make(chan *call.IncomingCall, 1)
	bob.OnIncoming(func(in *call.IncomingCall) { rang <- in })

	callID, err := alice.StartCall(context.Background(), "bob", call.MediaAudio)
	require.NoError(t, err)

	select {
	case in := <-rang:
		assert.Equal(t, callID, in.CallID)
		assert.Equal(t, "alice", in.CallerID)
	case <-time.After(3 * time.Second):
		t.Fatal("bob never rang")
	}
	waitStatus(t, bob, call.StatusRinging)

	require.NoError(t, bob.AnswerCall(context.Background()))
	waitStatus(t, bob, call.StatusActive)
	waitStatus(t, alice, call.StatusActive)

	require.NoError(t, alice.EndCall(context.Background(), ""))
	waitStatus(t, bob, call.StatusIdle)
	assert.Equal(t, call.ReasonRemoteEnded, bob.State().EndReason)

	require.Eventually(t, func() bool {
		recs, err := db.ListCalls(context.Background(), "bob", 10)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	recs, err := db.ListCalls(context.Background(), "bob", 10)
	require.NoError(t, err)
	assert.Equal(t, callID, recs[0].CallID)
	assert.Equal(t, "initiator", recs[0].Role)
	assert.False(t, recs[0].AnsweredAt.IsZero())
}

func TestCallToOfflineParty(t *testing.T) {
	srv := httptest.NewServer(signaling.NewRelay())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	alice := newPeer(t, url, "alice", nil)
	_, err := alice.StartCall(context.Background(), "nobody", call.MediaAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.State().LastError == "User offline"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUnavailableWrapsClosedClient(t *testing.T) {
	assert.ErrorIs(t, unavailable(signaling.ErrClosed), call.ErrSignalingUnavailable)
	assert.ErrorIs(t, unavailable(signaling.ErrNoIdentity), call.ErrSignalingUnavailable)
	assert.NotErrorIs(t, unavailable(signaling.ErrNotConnected), call.ErrSignalingUnavailable)
	assert.NoError(t, unavailable(nil))
}

func TestRecorderPrunes(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rec := recorder{db: db, keep: 2}
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		started := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, rec.RecordCall(context.Background(), call.Record{
			CallID:        id,
			RemotePartyID: "bob",
			Role:          call.RoleReceiver,
			Media:         call.MediaVideo,
			StartedAt:     started,
			EndedAt:       started.Add(time.Second),
			Reason:        call.ReasonNoAnswer,
		}))
	}

	recs, err := db.ListCalls(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].CallID)
	assert.Equal(t, "receiver", recs[0].Role)
	assert.Equal(t, "video", recs[0].Media)
}

func TestTransportConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Call.TURNURL = "turn:turn.example.org:3478"
	cfg.Call.TURNUsername = "u"
	cfg.Call.TURNCredential = "p"
	cfg.Call.ICEFailedSec = 60
	cfg.Media.Width = 1280
	cfg.Media.PreferFrontCamera = false

	tc := transportConfig(cfg)
	require.Len(t, tc.ICEServers, 2)
	assert.Equal(t, []string{"turn:turn.example.org:3478"}, tc.ICEServers[1].URLs)
	assert.Equal(t, "p", tc.ICEServers[1].Credential)
	assert.Equal(t, time.Minute, tc.ICEFailedTimeout)
	assert.Equal(t, 30*time.Second, tc.ICEDisconnectedTimeout)
	assert.Equal(t, 1280, tc.Capture.Width)
	assert.False(t, tc.Capture.PreferFront)
	assert.True(t, tc.Capture.EchoCancellation)
}

func TestNormalizeLocalViewer(t *testing.T) {
	addr, url, _ := NormalizeLocalViewer(":8791")
	assert.Equal(t, "127.0.0.1:8791", addr)
	assert.Equal(t, "http://127.0.0.1:8791", url)

	addr, _, _ = NormalizeLocalViewer("0.0.0.0:9000")
	assert.Equal(t, "127.0.0.1:9000", addr)
}

func TestPromptInteractive(t *testing.T) {
	in := strings.NewReader("carol\n\n\nabc\n45\nn\n")
	var out bytes.Buffer

	cfg := PromptInteractive(in, &out, "/tmp/peer", "/tmp/peer/swapcall.json", config.Default())
	assert.Equal(t, "carol", cfg.Identity.UserID)
	assert.Equal(t, config.Default().Signaling.URL, cfg.Signaling.URL)
	assert.Equal(t, 45, cfg.Call.NoAnswerTimeoutSec)
	assert.False(t, cfg.Media.PreferFrontCamera)
	assert.Contains(t, out.String(), "Please enter a number.")
}

func TestRunServesAPI(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Viewer.HTTPAddr = "127.0.0.1:18791"
	cfgPath := filepath.Join(dir, "swapcall.json")
	require.NoError(t, config.Save(cfgPath, cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{PeerDir: dir, CfgPath: cfgPath, Cfg: cfg, Version: "test"})
	}()

	require.NoError(t, WaitTCP(cfg.Viewer.HTTPAddr, 5*time.Second))
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
