package call

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested from the sender so a
// renderer attaching late gets a decodable frame quickly.
const pliInterval = 3 * time.Second

// RemoteVideoStats are the receive counters of a remote video track.
type RemoteVideoStats struct {
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	Lost      uint64 `json:"lost"`
	Keyframes uint64 `json:"keyframe_requests"`
}

// RemoteVideo is the remote video feed of a call. It reads RTP from the
// track, tracks loss from sequence gaps and fans packets out to renderers.
type RemoteVideo struct {
	track *webrtc.TrackRemote
	pc    *webrtc.PeerConnection

	packets, bytes, lost, plis atomic.Uint64

	mu      sync.Mutex
	sinks   map[chan *rtp.Packet]struct{}
	lastSeq uint16
	haveSeq bool

	done     chan struct{}
	stopOnce sync.Once
}

func newRemoteVideo(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) *RemoteVideo {
	return &RemoteVideo{
		track: track,
		pc:    pc,
		sinks: make(map[chan *rtp.Packet]struct{}),
		done:  make(chan struct{}),
	}
}

func (v *RemoteVideo) ID() string       { return v.track.ID() }
func (v *RemoteVideo) MimeType() string { return v.track.Codec().MimeType }
func (v *RemoteVideo) SSRC() uint32     { return uint32(v.track.SSRC()) }

// Stats returns a snapshot of the receive counters.
func (v *RemoteVideo) Stats() RemoteVideoStats {
	return RemoteVideoStats{
		Packets:   v.packets.Load(),
		Bytes:     v.bytes.Load(),
		Lost:      v.lost.Load(),
		Keyframes: v.plis.Load(),
	}
}

// Subscribe returns a channel of received RTP packets. Slow renderers miss
// packets rather than stall the reader. The channel closes when the track
// goes away.
func (v *RemoteVideo) Subscribe() (<-chan *rtp.Packet, func()) {
	ch := make(chan *rtp.Packet, 128)
	v.mu.Lock()
	select {
	case <-v.done:
		close(ch)
		v.mu.Unlock()
		return ch, func() {}
	default:
	}
	v.sinks[ch] = struct{}{}
	v.mu.Unlock()
	go v.requestKeyframe()

	return ch, func() {
		v.mu.Lock()
		if _, ok := v.sinks[ch]; ok {
			delete(v.sinks, ch)
			close(ch)
		}
		v.mu.Unlock()
	}
}

// run reads the track until it ends or stop is called.
func (v *RemoteVideo) run() {
	go v.pliLoop()
	defer v.stop()
	for {
		pkt, _, err := v.track.ReadRTP()
		if err != nil {
			return
		}
		v.account(pkt)
		v.fanout(pkt)
	}
}

func (v *RemoteVideo) account(pkt *rtp.Packet) {
	v.packets.Add(1)
	v.bytes.Add(uint64(len(pkt.Payload)))

	v.mu.Lock()
	if v.haveSeq {
		if gap := pkt.SequenceNumber - v.lastSeq; gap > 1 && gap < 0x8000 {
			v.lost.Add(uint64(gap - 1))
		}
	}
	v.lastSeq = pkt.SequenceNumber
	v.haveSeq = true
	v.mu.Unlock()
}

func (v *RemoteVideo) fanout(pkt *rtp.Packet) {
	v.mu.Lock()
	for ch := range v.sinks {
		select {
		case ch <- pkt:
		default:
		}
	}
	v.mu.Unlock()
}

func (v *RemoteVideo) pliLoop() {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.done:
			return
		case <-ticker.C:
			v.requestKeyframe()
		}
	}
}

func (v *RemoteVideo) requestKeyframe() {
	err := v.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: v.SSRC()},
	})
	if err == nil {
		v.plis.Add(1)
	}
}

// stop ends the fan-out and closes every renderer channel.
func (v *RemoteVideo) stop() {
	v.stopOnce.Do(func() {
		v.mu.Lock()
		close(v.done)
		for ch := range v.sinks {
			close(ch)
		}
		v.sinks = make(map[chan *rtp.Packet]struct{})
		v.mu.Unlock()
	})
}
