//go:build !linux || !cgo

package call

import "github.com/pion/webrtc/v4"

// setupMedia registers the default codecs. Capture through pion/mediadevices
// needs the V4L2/malgo drivers and cgo encoders, so other builds are
// receive-only here and rely on the platform UI layer for local media.
func setupMedia(_ CaptureConfig, me *webrtc.MediaEngine) (mediaOpener, error) {
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return func(callID string, _ *webrtc.PeerConnection, _ Media) localMedia {
		log.Infof("CALL [%s]: receive-only, no local capture on this platform", callID)
		return nil
	}, nil
}
