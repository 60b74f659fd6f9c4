package routes

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skillswap/swapcall/internal/call"
	"github.com/skillswap/swapcall/internal/storage"
	"github.com/skillswap/swapcall/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The viewer only listens on loopback.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	defaultHistoryLimit = 50
	sseKeepAlive        = 25 * time.Second
)

// errorStatus maps a controller error onto an HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrCallActive),
		errors.Is(err, call.ErrNoSession),
		errors.Is(err, call.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, call.ErrSignalingUnavailable),
		errors.Is(err, call.ErrNoTransport),
		errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func callError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

// registerCallRoutes registers the call API. Without a manager nothing is
// registered except /api/call/state, which then reports idle.
func registerCallRoutes(mux *http.ServeMux, d Deps) {
	calls := d.Calls
	if calls == nil {
		handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, call.State{StatusName: call.StatusIdle.String()})
		})
		return
	}

	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.State())
	})

	// GET /api/call/events: SSE stream of state snapshots, current one first.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := calls.Subscribe()
		defer cancel()

		ping := time.NewTicker(sseKeepAlive)
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				_, _ = w.Write([]byte(": ping\n\n"))
				flusher.Flush()
			case st, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, "state", st)
				flusher.Flush()
			}
		}
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RemotePartyID string `json:"remote_party_id"`
		Media         string `json:"media"`
	}) {
		remote, err := util.ValidatePartyID(req.RemotePartyID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		callID, err := calls.StartCall(r.Context(), remote, call.ParseMedia(req.Media))
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "calling", "call_id": callID})
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.AnswerCall(r.Context()); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "connecting"})
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct {
		Reason string `json:"reason"`
	}) {
		if err := calls.EndCall(r.Context(), strings.TrimSpace(req.Reason)); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/call/reset
	handlePost(mux, "/api/call/reset", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Reset(r.Context()); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "idle"})
	})

	toggle := func(path, key string, fn func(*http.Request) (bool, error)) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			v, err := fn(r)
			if err != nil {
				callError(w, err)
				return
			}
			writeJSON(w, map[string]bool{key: v})
		})
	}
	toggle("/api/call/toggle-mute", "muted", func(r *http.Request) (bool, error) {
		return calls.ToggleMute(r.Context())
	})
	toggle("/api/call/toggle-video", "video_enabled", func(r *http.Request) (bool, error) {
		return calls.ToggleVideo(r.Context())
	})
	toggle("/api/call/toggle-speaker", "speaker", func(r *http.Request) (bool, error) {
		return calls.ToggleSpeaker(r.Context())
	})

	// POST /api/call/switch-camera
	handlePost(mux, "/api/call/switch-camera", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.SwitchCamera(r.Context()); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// POST /api/call/clear-error
	handlePost(mux, "/api/call/clear-error", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.ClearError(r.Context()); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/call/diagnostics?limit=N: newest last.
	handleGet(mux, "/api/call/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		diags := calls.Diagnostics()
		if n := queryInt(r, "limit", 0); n > 0 && n < len(diags) {
			diags = diags[len(diags)-n:]
		}
		writeJSON(w, diags)
	})

	// GET /api/call/remote-video: receive stats of the remote feed.
	handleGet(mux, "/api/call/remote-video", func(w http.ResponseWriter, r *http.Request) {
		rv, ok := calls.State().RemoteVideo.(*call.RemoteVideo)
		if !ok || rv == nil {
			writeError(w, http.StatusNotFound, "no remote video")
			return
		}
		writeJSON(w, map[string]any{
			"id":        rv.ID(),
			"mime_type": rv.MimeType(),
			"ssrc":      rv.SSRC(),
			"stats":     rv.Stats(),
		})
	})

	// GET /api/call/media: WebSocket carrying the remote video as raw RTP,
	// one packet per binary message.
	handleGet(mux, "/api/call/media", func(w http.ResponseWriter, r *http.Request) {
		rv, ok := calls.State().RemoteVideo.(*call.RemoteVideo)
		if !ok || rv == nil {
			http.Error(w, "no remote video", http.StatusNotFound)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("CALL: media WebSocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		pkts, cancel := rv.Subscribe()
		defer cancel()

		// Drain control frames; a read error means the client went away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-gone:
				return
			case pkt, ok := <-pkts:
				if !ok {
					return
				}
				b, err := pkt.Marshal()
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
					return
				}
			}
		}
	})

}

func registerHistoryRoutes(mux *http.ServeMux, d Deps) {
	if d.DB == nil {
		return
	}

	// GET /api/call/history?party=ID&limit=N
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		recs, err := d.DB.ListCalls(r.Context(), r.URL.Query().Get("party"), queryInt(r, "limit", defaultHistoryLimit))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		type historyItem struct {
			storage.CallRecord
			DurationSec int64 `json:"duration_sec"`
		}
		out := make([]historyItem, 0, len(recs))
		for _, rec := range recs {
			out = append(out, historyItem{rec, int64(rec.Duration().Seconds())})
		}
		writeJSON(w, out)
	})

	// GET /api/call/parties?limit=N: recent remote parties, newest first.
	handleGet(mux, "/api/call/parties", func(w http.ResponseWriter, r *http.Request) {
		parties, err := d.DB.RecentParties(r.Context(), queryInt(r, "limit", defaultHistoryLimit))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, parties)
	})
}
