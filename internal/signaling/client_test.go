package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url, user string) *Client {
	t.Helper()
	c, err := New(Config{URL: url, UserID: user, Token: "tok-" + user, MinBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// next returns the next envelope that is not a lifecycle event.
func next(t *testing.T, ch <-chan *Envelope) *Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			require.True(t, ok, "subscription closed")
			switch env.Event {
			case EventConnect, EventDisconnect, EventConnectError:
				continue
			}
			return env
		case <-timeout:
			t.Fatal("timed out waiting for envelope")
		}
	}
}

func waitEvent(t *testing.T, ch <-chan *Envelope, event string) *Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			require.True(t, ok, "subscription closed")
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(Config{URL: "ws://x", UserID: "u1"})
	assert.ErrorIs(t, err, ErrNoIdentity)
	_, err = New(Config{URL: "ws://x", Token: "t"})
	assert.ErrorIs(t, err, ErrNoIdentity)
	_, err = New(Config{UserID: "u1", Token: "t"})
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	var got []time.Duration
	for i := 1; i <= 6; i++ {
		got = append(got, Backoff(i, time.Second, 8*time.Second))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, got)
}

func TestEnvelopeCodec(t *testing.T) {
	b, err := Encode("call:end", map[string]string{"callId": "c1"})
	require.NoError(t, err)
	env, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "call:end", env.Event)
	assert.NotEmpty(t, env.ID)
	assert.JSONEq(t, `{"callId":"c1"}`, string(env.Data))

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`nope`))
	assert.Error(t, err)
}

func TestRelayRoutesCallFlow(t *testing.T) {
	relay := NewRelay()
	srv := httptest.NewServer(relay)
	defer srv.Close()

	alice := newClient(t, wsURL(srv), "alice")
	bob := newClient(t, wsURL(srv), "bob")
	aliceIn, cancelA := alice.Subscribe()
	defer cancelA()
	bobIn, cancelB := bob.Subscribe()
	defer cancelB()

	require.NoError(t, alice.Connect(context.Background()))
	require.NoError(t, bob.Connect(context.Background()))
	assert.True(t, alice.Available())
	require.Eventually(t, func() bool { return relay.Online("alice") && relay.Online("bob") }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, "call:offer", map[string]string{
		"callId": "c1", "recipientId": "bob", "sdp": "offer", "callType": "video",
	}))
	in := next(t, bobIn)
	assert.Equal(t, "call:incoming", in.Event)
	var incoming map[string]string
	require.NoError(t, json.Unmarshal(in.Data, &incoming))
	assert.Equal(t, "alice", incoming["callerId"])
	assert.Equal(t, "c1", incoming["callId"])
	assert.Equal(t, "video", incoming["callType"])
	assert.NotContains(t, incoming, "recipientId")

	require.NoError(t, bob.Send(ctx, "call:answer", map[string]string{"callId": "c1", "sdp": "answer"}))
	ans := next(t, aliceIn)
	assert.Equal(t, "call:answered", ans.Event)
	assert.JSONEq(t, `{"callId":"c1","sdp":"answer"}`, string(ans.Data))

	require.NoError(t, bob.Send(ctx, "call:ice-candidate", map[string]any{"callId": "c1", "candidate": map[string]any{"candidate": "candidate:1", "sdpMLineIndex": 0}}))
	assert.Equal(t, "call:ice-candidate", next(t, aliceIn).Event)

	require.NoError(t, alice.Send(ctx, "call:end", map[string]string{"callId": "c1"}))
	assert.Equal(t, "call:ended", next(t, bobIn).Event)

	// The call is gone from the relay: a late end goes nowhere.
	require.NoError(t, bob.Send(ctx, "call:end", map[string]string{"callId": "c1"}))
	require.NoError(t, bob.Send(ctx, "call:reject", map[string]string{"callId": "c2"}))
	select {
	case env := <-aliceIn:
		t.Fatalf("unexpected %s", env.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayOfflineRecipient(t *testing.T) {
	srv := httptest.NewServer(NewRelay())
	defer srv.Close()

	alice := newClient(t, wsURL(srv), "alice")
	in, cancel := alice.Subscribe()
	defer cancel()
	require.NoError(t, alice.Connect(context.Background()))

	require.NoError(t, alice.Send(context.Background(), "call:offer", map[string]string{"callId": "c1", "recipientId": "ghost", "sdp": "x"}))
	env := next(t, in)
	assert.Equal(t, "call:error", env.Event)
	assert.Contains(t, string(env.Data), "User offline")
}

func TestRelayEndsCallsOnDisconnect(t *testing.T) {
	srv := httptest.NewServer(NewRelay())
	defer srv.Close()

	alice := newClient(t, wsURL(srv), "alice")
	bob := newClient(t, wsURL(srv), "bob")
	aliceIn, cancel := alice.Subscribe()
	defer cancel()
	bobIn, cancelB := bob.Subscribe()
	defer cancelB()
	require.NoError(t, alice.Connect(context.Background()))
	require.NoError(t, bob.Connect(context.Background()))

	require.NoError(t, alice.Send(context.Background(), "call:offer", map[string]string{"callId": "c9", "recipientId": "bob", "sdp": "x"}))
	next(t, bobIn)
	require.NoError(t, bob.Close())

	env := next(t, aliceIn)
	assert.Equal(t, "call:ended", env.Event)
	assert.JSONEq(t, `{"callId":"c9"}`, string(env.Data))
}

func TestReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			ws.Close()
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newClient(t, wsURL(srv), "u1")
	in, cancel := c.Subscribe()
	defer cancel()
	require.NoError(t, c.Connect(context.Background()))

	waitEvent(t, in, EventConnect)
	waitEvent(t, in, EventDisconnect)
	waitEvent(t, in, EventConnect)
	assert.True(t, c.Available())
	assert.EqualValues(t, 2, conns.Load())
}

func TestConnectErrorPublished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newClient(t, wsURL(srv), "u1")
	in, cancel := c.Subscribe()
	defer cancel()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, c.Available())
	env := waitEvent(t, in, EventConnectError)
	assert.Contains(t, string(env.Data), "401")

	assert.ErrorIs(t, c.Send(context.Background(), "call:end", nil), ErrNotConnected)
}

func TestIdentityHeaders(t *testing.T) {
	got := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case got <- r:
		default:
		}
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err == nil {
			ws.Close()
		}
	}))
	defer srv.Close()

	c := newClient(t, wsURL(srv), "u42")
	_ = c.Connect(context.Background())
	r := <-got
	assert.Equal(t, "u42", r.URL.Query().Get("userId"))
	assert.Equal(t, "Bearer tok-u42", r.Header.Get("Authorization"))
}

func TestCloseClosesSubscribers(t *testing.T) {
	srv := httptest.NewServer(NewRelay())
	defer srv.Close()

	c := newClient(t, wsURL(srv), "u1")
	in, cancel := c.Subscribe()
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	cancel()

	for range in {
	}
	assert.False(t, c.Available())
	assert.ErrorIs(t, c.Send(context.Background(), "call:end", nil), ErrClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}
