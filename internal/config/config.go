package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/skillswap/swapcall/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Viewer    Viewer    `json:"viewer"`
	Storage   Storage   `json:"storage"`
	Log       Log       `json:"log"`
}

// Identity is who we are on the signaling server. Both fields are normally
// supplied through the environment rather than the file.
type Identity struct {
	UserID string `json:"user_id" env:"SWAPCALL_USER_ID"`
	Token  string `json:"token,omitempty" env:"SWAPCALL_TOKEN"`
}

type Signaling struct {
	URL               string `json:"url" env:"SWAPCALL_SIGNALING_URL"`
	ReconnectAttempts int    `json:"reconnect_attempts" env:"SWAPCALL_RECONNECT_ATTEMPTS"`
	MinBackoffMs      int    `json:"min_backoff_ms"`
	MaxBackoffMs      int    `json:"max_backoff_ms"`
	PingIntervalSec   int    `json:"ping_interval_seconds"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	NoAnswerTimeoutSec int         `json:"no_answer_timeout_seconds" env:"SWAPCALL_NO_ANSWER_TIMEOUT"`
	ICEServers         []ICEServer `json:"ice_servers"`
	// TURNURL, when set through the environment, is appended to ICEServers
	// with TURNUsername/TURNCredential.
	TURNURL            string `json:"-" env:"SWAPCALL_TURN_URL"`
	TURNUsername       string `json:"-" env:"SWAPCALL_TURN_USERNAME"`
	TURNCredential     string `json:"-" env:"SWAPCALL_TURN_CREDENTIAL"`
	ICEDisconnectedSec int    `json:"ice_disconnected_seconds"`
	ICEFailedSec       int    `json:"ice_failed_seconds"`
}

type Media struct {
	Width             int  `json:"width"`
	Height            int  `json:"height"`
	FPS               int  `json:"fps"`
	PreferFrontCamera bool `json:"prefer_front_camera"`
	EchoCancellation  bool `json:"echo_cancellation"`
	AutoGainControl   bool `json:"auto_gain_control"`
	NoiseSuppression  bool `json:"noise_suppression"`
	HighpassFilter    bool `json:"highpass_filter"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr" env:"SWAPCALL_HTTP_ADDR"`
}

type Storage struct {
	DBPath       string `json:"db_path" env:"SWAPCALL_DB_PATH"`
	HistoryLimit int    `json:"history_limit"`
}

type Log struct {
	Level           string `json:"level" env:"SWAPCALL_LOG_LEVEL"`
	DiagnosticsSize int    `json:"diagnostics_size"`
}

func Default() Config {
	return Config{
		Signaling: Signaling{
			URL:               "ws://127.0.0.1:8790/ws",
			ReconnectAttempts: 10,
			MinBackoffMs:      1000,
			MaxBackoffMs:      8000,
			PingIntervalSec:   54,
		},
		Call: Call{
			NoAnswerTimeoutSec: 30,
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
		},
		Media: Media{
			Width:             640,
			Height:            480,
			FPS:               30,
			PreferFrontCamera: true,
			EchoCancellation:  true,
			AutoGainControl:   true,
			NoiseSuppression:  true,
			HighpassFilter:    true,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8791",
		},
		Storage: Storage{
			DBPath:       "data/calls.db",
			HistoryLimit: 100,
		},
		Log: Log{
			Level:           "info",
			DiagnosticsSize: 200,
		},
	}
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (c *Config) Validate() error {
	// Identity is optional here: without it signaling cannot be built and
	// calls are refused, but the rest of the app still runs.
	if c.Identity.UserID != "" {
		id, err := util.ValidatePartyID(c.Identity.UserID)
		if err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
		c.Identity.UserID = id
	}

	// Signaling
	u, err := url.Parse(strings.TrimSpace(c.Signaling.URL))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return errors.New("signaling.url must be a ws:// or wss:// url")
	}
	if c.Signaling.ReconnectAttempts < 1 {
		return errors.New("signaling.reconnect_attempts must be >= 1")
	}
	if c.Signaling.MinBackoffMs <= 0 || c.Signaling.MaxBackoffMs < c.Signaling.MinBackoffMs {
		return errors.New("signaling backoff must satisfy 0 < min_backoff_ms <= max_backoff_ms")
	}
	if c.Signaling.PingIntervalSec <= 0 {
		return errors.New("signaling.ping_interval_seconds must be > 0")
	}

	// Call
	if c.Call.NoAnswerTimeoutSec <= 0 {
		return errors.New("call.no_answer_timeout_seconds must be > 0")
	}
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d] has no urls", i)
		}
		for _, raw := range s.URLs {
			if !strings.HasPrefix(raw, "stun:") && !strings.HasPrefix(raw, "turn:") && !strings.HasPrefix(raw, "turns:") {
				return fmt.Errorf("call.ice_servers[%d]: %q is not a stun/turn url", i, raw)
			}
		}
	}
	if c.Call.ICEDisconnectedSec <= 0 || c.Call.ICEFailedSec <= 0 {
		return errors.New("call ICE timeouts must be > 0")
	}

	// Media
	if c.Media.Width <= 0 || c.Media.Height <= 0 || c.Media.FPS <= 0 {
		return errors.New("media width, height and fps must be > 0")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}
	if c.Storage.HistoryLimit <= 0 {
		return errors.New("storage.history_limit must be > 0")
	}

	// Log
	if !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	if c.Log.DiagnosticsSize <= 0 {
		return errors.New("log.diagnostics_size must be > 0")
	}
	return nil
}

// ICE returns the configured ICE servers plus the TURN server from the
// environment, if any.
func (c Call) ICE() []ICEServer {
	out := append([]ICEServer(nil), c.ICEServers...)
	if c.TURNURL != "" {
		out = append(out, ICEServer{URLs: []string{c.TURNURL}, Username: c.TURNUsername, Credential: c.TURNCredential})
	}
	return out
}

func (c Call) NoAnswerTimeout() time.Duration {
	return time.Duration(c.NoAnswerTimeoutSec) * time.Second
}

func (s Signaling) MinBackoff() time.Duration {
	return time.Duration(s.MinBackoffMs) * time.Millisecond
}
func (s Signaling) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMs) * time.Millisecond
}

// Load reads path over the defaults, applies the environment and validates.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without the environment or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, false, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}
