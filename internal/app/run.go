package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skillswap/swapcall/internal/call"
	"github.com/skillswap/swapcall/internal/config"
	"github.com/skillswap/swapcall/internal/signaling"
	"github.com/skillswap/swapcall/internal/storage"
	"github.com/skillswap/swapcall/internal/util"
	"github.com/skillswap/swapcall/internal/viewer"
)

var log = logging.Logger("app")

// subsystems whose level follows log.level.
var subsystems = []string{"app", "call", "signaling", "config", "viewer"}

const schemaVersion = "1"

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	Version string
}

// Run wires the call controller to signaling, storage and the local HTTP API
// and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	pipe := logging.NewPipeReader()
	defer pipe.Close()
	go func() { _ = logBuf.Follow(pipe) }()
	setLogLevel(cfg.Log.Level)

	logBanner(opt.PeerDir, opt.CfgPath)

	// ── History
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.SetMeta("schema_version", schemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	// ── Signaling
	var sig call.Signaler
	client, err := newSignalingClient(cfg)
	switch {
	case errors.Is(err, signaling.ErrNoIdentity):
		log.Warnf("no identity configured: calls are disabled until %s and %s are set",
			"SWAPCALL_USER_ID", "SWAPCALL_TOKEN")
	case err != nil:
		return err
	default:
		defer client.Close()
		sig = signaler{c: client}
		go func() {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := client.Connect(cctx); err != nil {
				log.Warnf("signaling: initial connect failed, will retry on demand: %v", err)
			}
		}()
	}

	// ── Call controller
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr := call.New(sig, call.Options{
		SelfID:          cfg.Identity.UserID,
		NoAnswerTimeout: cfg.Call.NoAnswerTimeout(),
		NewTransport:    call.NewTransportFactory(transportConfig(cfg)),
		Recorder:        recorder{db: db, keep: cfg.Storage.HistoryLimit},
		Metrics:         call.NewMetrics(reg),
		DiagnosticsSize: cfg.Log.DiagnosticsSize,
	})
	defer mgr.Close()

	mgr.OnIncoming(func(in *call.IncomingCall) {
		log.Infof("incoming %s call %s from %s", in.Media, in.CallID, in.CallerID)
	})

	// ── Live config
	go func() {
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			mgr.SetTransportFactory(call.NewTransportFactory(transportConfig(next)))
			setLogLevel(next.Log.Level)
			log.Infof("config reloaded: media and ICE settings apply from the next call")
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("config watch stopped: %v", err)
		}
	}()

	// ── Viewer
	viewerErr := make(chan error, 1)
	if cfg.Viewer.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			viewerErr <- viewer.Start(ctx, addr, viewer.Viewer{
				Calls:   mgr,
				DB:      db,
				Logs:    logBuf,
				Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				Version: opt.Version,
			})
		}()
		log.Infof("call API: %s/api/call/state", url)
	}

	select {
	case <-ctx.Done():
	case err := <-viewerErr:
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
	}
	log.Infof("shutting down")
	return nil
}

func newSignalingClient(cfg config.Config) (*signaling.Client, error) {
	return signaling.New(signaling.Config{
		URL:                  cfg.Signaling.URL,
		UserID:               cfg.Identity.UserID,
		Token:                cfg.Identity.Token,
		MaxReconnectAttempts: cfg.Signaling.ReconnectAttempts,
		MinBackoff:           cfg.Signaling.MinBackoff(),
		MaxBackoff:           cfg.Signaling.MaxBackoff(),
		PingInterval:         time.Duration(cfg.Signaling.PingIntervalSec) * time.Second,
	})
}

// transportConfig maps the file/env config onto the Pion transport settings.
func transportConfig(cfg config.Config) call.TransportConfig {
	tc := call.DefaultTransportConfig()
	tc.ICEServers = nil
	for _, s := range cfg.Call.ICE() {
		tc.ICEServers = append(tc.ICEServers, call.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if cfg.Call.ICEDisconnectedSec > 0 {
		tc.ICEDisconnectedTimeout = time.Duration(cfg.Call.ICEDisconnectedSec) * time.Second
	}
	if cfg.Call.ICEFailedSec > 0 {
		tc.ICEFailedTimeout = time.Duration(cfg.Call.ICEFailedSec) * time.Second
	}
	m := cfg.Media
	tc.Capture = call.CaptureConfig{
		Width:            m.Width,
		Height:           m.Height,
		FPS:              m.FPS,
		PreferFront:      m.PreferFrontCamera,
		EchoCancellation: m.EchoCancellation,
		AutoGainControl:  m.AutoGainControl,
		NoiseSuppression: m.NoiseSuppression,
		HighpassFilter:   m.HighpassFilter,
	}
	return tc
}

func setLogLevel(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	for _, name := range subsystems {
		_ = logging.SetLogLevel(name, level)
	}
}
