package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/skillswap/swapcall/internal/signaling"
)

// RunRelay serves the in-memory signaling relay on addr at /ws until ctx is
// cancelled. It is meant for local development and tests.
func RunRelay(ctx context.Context, addr string) error {
	relay := signaling.NewRelay()

	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("signaling relay: ws://%s/ws", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		_ = srv.Close()
	}
	return nil
}
