package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/skillswap/swapcall/internal/config"
)

// PromptInteractive asks for the settings a new peer usually changes and
// returns cfg updated. Invalid answers fall back to the defaults.
func PromptInteractive(in io.Reader, out io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "swapcall interactive setup")
	fmt.Fprintf(out, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(out, " Config file : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	cfg.Identity.UserID = askString(r, out, "User id (empty=from environment)", cfg.Identity.UserID)
	cfg.Signaling.URL = askString(r, out, "Signaling URL", cfg.Signaling.URL)
	cfg.Viewer.HTTPAddr = askString(r, out, "Call API HTTP addr", cfg.Viewer.HTTPAddr)
	cfg.Call.NoAnswerTimeoutSec = askInt(r, out, "No-answer timeout seconds", cfg.Call.NoAnswerTimeoutSec)
	cfg.Media.PreferFrontCamera = askBool(r, out, "Prefer front camera", cfg.Media.PreferFrontCamera)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, perr := strconv.Atoi(s); perr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, out io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(out, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter y or n.")
	}
}
