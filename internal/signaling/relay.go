package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// relayCall tracks the two parties of a call the relay has seen an offer for.
type relayCall struct {
	caller string
	callee string
}

func (c relayCall) other(userID string) string {
	if userID == c.caller {
		return c.callee
	}
	return c.caller
}

// relayPeer is one connected user.
type relayPeer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Relay is a minimal call signaling server: it routes call:* events between
// connected users and keeps only in-memory call bookkeeping. It identifies
// users by the userId query parameter and does not verify tokens.
type Relay struct {
	mu    sync.RWMutex
	peers map[string]*relayPeer
	calls map[string]relayCall
}

func NewRelay() *Relay {
	return &Relay{
		peers: make(map[string]*relayPeer),
		calls: make(map[string]relayCall),
	}
}

// ServeHTTP upgrades the request and serves one user until it disconnects.
// A second connection for the same user replaces the first.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warnf("relay: upgrade: %v", err)
		return
	}
	p := &relayPeer{id: userID, conn: ws, send: make(chan []byte, sendQueue)}

	r.mu.Lock()
	if old, ok := r.peers[userID]; ok {
		close(old.send)
	}
	r.peers[userID] = p
	r.mu.Unlock()
	log.Infof("relay: %s connected", userID)

	go r.writePump(p)
	r.readPump(p)
}

// Online reports whether userID has a live connection.
func (r *Relay) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[userID]
	return ok
}

func (r *Relay) readPump(p *relayPeer) {
	defer r.leave(p)

	p.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
		return nil
	})
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := Decode(msg)
		if err != nil {
			log.Debugf("relay: %s: %v", p.id, err)
			continue
		}
		r.route(p.id, env)
	}
}

func (r *Relay) writePump(p *relayPeer) {
	ticker := time.NewTicker(defaultPingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// leave drops p and ends every call it was part of.
func (r *Relay) leave(p *relayPeer) {
	r.mu.Lock()
	cur, ok := r.peers[p.id]
	if !ok || cur != p {
		// Replaced by a newer connection; its calls carry on.
		r.mu.Unlock()
		return
	}
	delete(r.peers, p.id)
	close(p.send)
	var orphaned []struct{ callID, to string }
	for id, c := range r.calls {
		if c.caller == p.id || c.callee == p.id {
			orphaned = append(orphaned, struct{ callID, to string }{id, c.other(p.id)})
			delete(r.calls, id)
		}
	}
	r.mu.Unlock()

	for _, o := range orphaned {
		r.deliver(o.to, "call:ended", map[string]string{"callId": o.callID})
	}
	log.Infof("relay: %s left", p.id)
}

type routeFields struct {
	CallID      string `json:"callId"`
	RecipientID string `json:"recipientId"`
}

func (r *Relay) route(from string, env *Envelope) {
	var f routeFields
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &f); err != nil {
			r.deliver(from, "call:error", map[string]string{"message": "malformed payload"})
			return
		}
	}

	switch env.Event {
	case "call:offer":
		if f.CallID == "" || f.RecipientID == "" {
			r.deliver(from, "call:error", map[string]string{"message": "offer needs callId and recipientId"})
			return
		}
		if !r.Online(f.RecipientID) {
			r.deliver(from, "call:error", map[string]string{"message": "User offline"})
			return
		}
		var body map[string]any
		_ = json.Unmarshal(env.Data, &body)
		delete(body, "recipientId")
		body["callerId"] = from

		r.mu.Lock()
		r.calls[f.CallID] = relayCall{caller: from, callee: f.RecipientID}
		r.mu.Unlock()
		r.deliver(f.RecipientID, "call:incoming", body)

	case "call:answer":
		r.forward(from, f.CallID, "call:answered", env.Data, false)
	case "call:ice-candidate":
		r.forward(from, f.CallID, "call:ice-candidate", env.Data, false)
	case "call:end":
		r.forward(from, f.CallID, "call:ended", env.Data, true)
	case "call:reject":
		r.forward(from, f.CallID, "call:rejected", env.Data, true)
	case "call:busy":
		r.forward(from, f.CallID, "call:busy", env.Data, true)
	default:
		log.Debugf("relay: %s sent unknown event %q", from, env.Event)
	}
}

// forward relays data to the other party of callID. Terminal events drop the
// call from the table.
func (r *Relay) forward(from, callID, event string, data json.RawMessage, terminal bool) {
	r.mu.Lock()
	c, ok := r.calls[callID]
	if ok && terminal {
		delete(r.calls, callID)
	}
	r.mu.Unlock()
	if !ok || (from != c.caller && from != c.callee) {
		log.Debugf("relay: %s for unknown call %s from %s", event, callID, from)
		return
	}
	r.deliver(c.other(from), event, data)
}

func (r *Relay) deliver(to, event string, payload any) {
	b, err := Encode(event, payload)
	if err != nil {
		log.Warnf("relay: %v", err)
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[to]
	if !ok {
		return
	}
	select {
	case p.send <- b:
	default:
		log.Warnf("relay: %s queue full, dropping %s", to, event)
	}
}
