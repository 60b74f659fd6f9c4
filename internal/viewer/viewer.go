// Package viewer serves the loopback HTTP API the call UI talks to.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/skillswap/swapcall/internal/call"
	"github.com/skillswap/swapcall/internal/storage"
	"github.com/skillswap/swapcall/internal/viewer/routes"
)

const shutdownTimeout = 5 * time.Second

type Viewer struct {
	Calls   *call.Manager
	DB      *storage.DB
	Logs    *LogBuffer
	Metrics http.Handler
	Version string
}

// Handler builds the viewer mux. Every response is marked uncacheable.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Calls:   v.Calls,
		DB:      v.DB,
		Metrics: v.Metrics,
		Version: v.Version,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return noCache(mux)
}

// Start serves v on addr until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, v)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		// SSE and media streams hold connections open past the deadline.
		_ = srv.Close()
	}
	return nil
}
