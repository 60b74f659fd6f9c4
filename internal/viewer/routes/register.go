// Package routes is the local HTTP surface of the call controller.
package routes

import (
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/skillswap/swapcall/internal/call"
	"github.com/skillswap/swapcall/internal/storage"
)

var log = logging.Logger("viewer")

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Calls *call.Manager
	DB    *storage.DB
	Logs  Logs
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Version string
}

func Register(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"ok": true, "version": d.Version}
		if d.Calls != nil {
			resp["signaling_available"] = d.Calls.State().Signaling
		}
		writeJSON(w, resp)
	})

	if d.Logs != nil {
		mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}

	registerCallRoutes(mux, d)
	registerHistoryRoutes(mux, d)
}
