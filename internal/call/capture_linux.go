//go:build linux && cgo

package call

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Labels V4L2 drivers commonly give the user-facing camera.
var frontLabels = []string{"front", "user", "integrated", "facetime", "webcam"}

// setupMedia registers VP8/Opus encoders on me and returns an opener that
// captures camera and microphone through pion/mediadevices.
func setupMedia(cfg CaptureConfig, me *webrtc.MediaEngine) (mediaOpener, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	sel := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	sel.Populate(me)

	return func(callID string, pc *webrtc.PeerConnection, media Media) localMedia {
		return openCapture(callID, cfg, sel, pc, media)
	}, nil
}

// capture holds the local tracks and senders of one transport.
type capture struct {
	callID string
	cfg    CaptureConfig
	sel    *mediadevices.CodecSelector

	mu          sync.Mutex
	audio       mediadevices.Track
	audioSender *webrtc.RTPSender
	video       mediadevices.Track
	videoSender *webrtc.RTPSender
	cameraID    string
	closed      bool
}

// openCapture tries audio+video, then video-only, then audio-only. A missing
// or busy device degrades the call instead of failing it.
func openCapture(callID string, cfg CaptureConfig, sel *mediadevices.CodecSelector, pc *webrtc.PeerConnection, media Media) localMedia {
	c := &capture{callID: callID, cfg: cfg, sel: sel}

	cameras := videoInputs()
	camera := pickCamera(cameras, cfg.PreferFront)
	if media == MediaVideo && camera.DeviceID == "" {
		log.Warnf("CALL [%s]: no camera found, continuing audio-only", callID)
	}
	log.Debugf("CALL [%s]: audio processing aec=%v agc=%v ns=%v hpf=%v", callID,
		cfg.EchoCancellation, cfg.AutoGainControl, cfg.NoiseSuppression, cfg.HighpassFilter)

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if media == MediaVideo && camera.DeviceID != "" {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: sel}
		if a.video {
			constraints.Video = c.videoConstraints(camera.DeviceID)
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("CALL [%s]: GetUserMedia (%s) failed: %v", callID, a.label, err)
			continue
		}
		if err := c.attach(pc, stream.GetTracks()); err != nil {
			log.Warnf("CALL [%s]: %s: %v", callID, a.label, err)
			c.release()
			continue
		}
		if a.video {
			c.cameraID = camera.DeviceID
		}
		log.Infof("CALL [%s]: local media captured (%s, camera %q)", callID, a.label, camera.Label)
		return c
	}

	log.Warnf("CALL [%s]: all media capture attempts failed, proceeding receive-only", callID)
	return nil
}

func (c *capture) videoConstraints(deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(m *mediadevices.MediaTrackConstraints) {
		m.DeviceID = prop.String(deviceID)
		// Raw formats only; some cameras expose an MJPEG node with malformed
		// frames that poison the VP8 encoder.
		m.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		m.Width = prop.IntRanged{Max: c.cfg.Width}
		m.Height = prop.IntRanged{Max: c.cfg.Height}
		m.FrameRate = prop.FloatRanged{Max: float32(c.cfg.FPS)}
	}
}

func (c *capture) attach(pc *webrtc.PeerConnection, tracks []mediadevices.Track) error {
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("CALL [%s]: local track ended: %v", c.callID, err)
			}
		})
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("AddTrack(%s): %w", track.Kind(), err)
		}
		go drainRTCP(sender)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.video, c.videoSender = track, sender
		} else {
			c.audio, c.audioSender = track, sender
		}
	}
	if c.audio == nil && c.video == nil {
		return errors.New("no tracks")
	}
	return nil
}

func (c *capture) hasVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video != nil
}

func (c *capture) setAudioEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioSender == nil {
		return nil
	}
	if enabled {
		return c.audioSender.ReplaceTrack(c.audio)
	}
	return c.audioSender.ReplaceTrack(nil)
}

func (c *capture) setVideoEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoSender == nil {
		return nil
	}
	if enabled {
		return c.videoSender.ReplaceTrack(c.video)
	}
	return c.videoSender.ReplaceTrack(nil)
}

// switchCamera opens the next camera and swaps it onto the video sender.
func (c *capture) switchCamera() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoSender == nil || c.closed {
		return errors.New("no local camera")
	}
	next, ok := nextCamera(videoInputs(), c.cameraID)
	if !ok {
		return errors.New("no other camera")
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: c.videoConstraints(next.DeviceID),
		Codec: c.sel,
	})
	if err != nil {
		return fmt.Errorf("open camera %q: %w", next.Label, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return errors.New("camera produced no track")
	}
	if err := c.videoSender.ReplaceTrack(tracks[0]); err != nil {
		for _, t := range tracks {
			t.Close()
		}
		return fmt.Errorf("replace track: %w", err)
	}
	old := c.video
	c.video = tracks[0]
	c.cameraID = next.DeviceID
	if old != nil {
		old.Close()
	}
	log.Infof("CALL [%s]: switched to camera %q", c.callID, next.Label)
	return nil
}

func (c *capture) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.release()
}

// release stops every track. Callers hold mu or own c exclusively.
func (c *capture) release() {
	if c.video != nil {
		c.video.Close()
	}
	if c.audio != nil {
		c.audio.Close()
	}
	c.video, c.audio = nil, nil
	c.videoSender, c.audioSender = nil, nil
}

func videoInputs() []mediadevices.MediaDeviceInfo {
	var out []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			out = append(out, d)
		}
	}
	return out
}

// pickCamera returns the front camera when preferred and present, else the
// first camera. The zero value means no camera.
func pickCamera(cams []mediadevices.MediaDeviceInfo, preferFront bool) mediadevices.MediaDeviceInfo {
	if len(cams) == 0 {
		return mediadevices.MediaDeviceInfo{}
	}
	if preferFront {
		for _, cam := range cams {
			if isFrontLabel(cam.Label) {
				return cam
			}
		}
	}
	return cams[0]
}

func nextCamera(cams []mediadevices.MediaDeviceInfo, current string) (mediadevices.MediaDeviceInfo, bool) {
	if len(cams) < 2 {
		return mediadevices.MediaDeviceInfo{}, false
	}
	for i, cam := range cams {
		if cam.DeviceID == current {
			return cams[(i+1)%len(cams)], true
		}
	}
	return cams[0], true
}

func isFrontLabel(label string) bool {
	l := strings.ToLower(label)
	for _, f := range frontLabels {
		if strings.Contains(l, f) {
			return true
		}
	}
	return false
}

// drainRTCP reads sender-side RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
