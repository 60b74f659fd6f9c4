package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusText(t *testing.T) {
	assert.Equal(t, "Calling...", statusText(StatusCalling, ""))
	assert.Equal(t, "Incoming call", statusText(StatusRinging, ""))
	assert.Equal(t, "Connecting...", statusText(StatusConnecting, ""))
	assert.Equal(t, "Connected", statusText(StatusActive, ""))
	assert.Equal(t, "Call ended: Busy", statusText(StatusEnded, ReasonBusy))
	assert.Equal(t, "Call ended", statusText(StatusEnded, ""))
	assert.Empty(t, statusText(StatusIdle, "whatever"))
}

func TestStateCellDerivedFields(t *testing.T) {
	c := newStateCell()
	assert.Equal(t, "idle", c.Load().StatusName)

	s := c.update(func(s *State) {
		s.Status = StatusActive
		s.RemoteVideo = fakeTrack{id: "v1"}
	})
	assert.True(t, s.Active)
	assert.Equal(t, "active", s.StatusName)
	assert.Equal(t, "v1", s.RemoteVideoID)
	assert.Equal(t, uint64(1), s.Version)

	s = c.update(func(s *State) {
		s.Status = StatusEnded
		s.EndReason = ReasonHangup
		s.RemoteVideo = nil
	})
	assert.False(t, s.Active)
	assert.Empty(t, s.RemoteVideoID)
	assert.Equal(t, "Call ended: Hung up", s.StatusText)
	assert.Equal(t, uint64(2), s.Version)
}

func TestStateCellSubscribe(t *testing.T) {
	c := newStateCell()
	ch, cancel := c.Subscribe()

	first := <-ch
	assert.Equal(t, StatusIdle, first.Status)

	c.update(func(s *State) { s.Status = StatusCalling })
	next := <-ch
	assert.Equal(t, StatusCalling, next.Status)

	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)

	// Updates after cancel must not block or panic.
	c.update(func(s *State) { s.Status = StatusIdle })
}

func TestStateCellCloseAll(t *testing.T) {
	c := newStateCell()
	ch, cancel := c.Subscribe()
	<-ch
	c.closeAll()
	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestParseMedia(t *testing.T) {
	assert.Equal(t, MediaVideo, ParseMedia("video"))
	assert.Equal(t, MediaAudio, ParseMedia("audio"))
	assert.Equal(t, MediaAudio, ParseMedia(""))
	assert.Equal(t, "video", MediaVideo.String())
	assert.Equal(t, "receiver", RoleReceiver.String())
}
