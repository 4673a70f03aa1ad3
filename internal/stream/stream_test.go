package stream_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfwa/isochd/internal/busconnector"
	"github.com/openfwa/isochd/internal/busmock"
	"github.com/openfwa/isochd/internal/clock"
	"github.com/openfwa/isochd/internal/stream"
)

func baseConfig(role busconnector.Role) stream.Config {
	return stream.Config{
		Role:             role,
		SampleRate:       48000,
		Channels:         2,
		BlocksPerPacket:  1,
		CyclesPerSegment: 4,
		NumSegments:      2,
		Speed:            busconnector.Speed400,
		Channel:          busconnector.AnyChannel,
		ShmCapacity:      8,
		Clock:            clock.NewManual(0),
	}
}

func TestTalkerLifecycleReachesRunningThenStops(t *testing.T) {
	conn := busmock.New(5)
	s, err := stream.New(conn, baseConfig(busconnector.RoleTalker))
	require.NoError(t, err)

	require.NoError(t, s.Configure())
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Release())
}

func TestTalkerEmitsPacketCallbackPerSegment(t *testing.T) {
	conn := busmock.New(5)
	s, err := stream.New(conn, baseConfig(busconnector.RoleTalker))
	require.NoError(t, err)
	require.NoError(t, s.Configure())

	var segmentsSeen int
	s.SetPacketCallback(func(segment uint32, payload []byte, timestamp uint32) {
		segmentsSeen++
	})

	require.NoError(t, s.Start())

	conn.TriggerSegmentComplete(0)
	conn.TriggerSegmentComplete(1)

	require.Equal(t, 2, segmentsSeen)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Release())
}

func TestListenerDrainsSegmentToPacketCallback(t *testing.T) {
	conn := busmock.New(9)
	s, err := stream.New(conn, baseConfig(busconnector.RoleListener))
	require.NoError(t, err)
	require.NoError(t, s.Configure())

	done := make(chan []byte, 2)
	s.SetPacketCallback(func(segment uint32, payload []byte, timestamp uint32) {
		done <- payload
	})

	require.NoError(t, s.Start())

	// The worker drains only once every segment of the write bank is
	// complete, so both segments must complete before a payload arrives.
	conn.TriggerSegmentComplete(0)
	conn.TriggerSegmentComplete(1)

	payload := <-done
	require.NotEmpty(t, payload)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Release())
}

func TestOverrunIsSurfacedAsMessage(t *testing.T) {
	conn := busmock.New(3)
	s, err := stream.New(conn, baseConfig(busconnector.RoleTalker))
	require.NoError(t, err)
	require.NoError(t, s.Configure())

	var overrunMessages int
	s.SetMessageCallback(func(code stream.MessageCode, p1, p2 uint32) {
		if p1 > 0 {
			overrunMessages++
		}
	})

	require.NoError(t, s.Start())
	conn.TriggerOverrun()
	require.Equal(t, uint32(1), s.OverrunCount())
	require.Equal(t, 1, overrunMessages)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Release())
}

func TestPushAudioDataFeedsTalkerRing(t *testing.T) {
	conn := busmock.New(5)
	s, err := stream.New(conn, baseConfig(busconnector.RoleTalker))
	require.NoError(t, err)
	require.NoError(t, s.Configure())
	require.NoError(t, s.Start())

	frame := make([]byte, 2*4)
	require.True(t, s.PushAudioData(frame))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Release())
}

func TestStreamIDsAreUnique(t *testing.T) {
	conn := busmock.New(5)
	a, err := stream.New(conn, baseConfig(busconnector.RoleTalker))
	require.NoError(t, err)
	b, err := stream.New(conn, baseConfig(busconnector.RoleTalker))
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
}

func TestPlugConnectIsIdempotent(t *testing.T) {
	conn := busmock.New(1)
	s, err := stream.New(conn, baseConfig(busconnector.RoleTalker))
	require.NoError(t, err)
	require.NoError(t, s.Configure())

	require.NoError(t, s.ConnectPlug(nil))
	require.NoError(t, s.ConnectPlug(nil))
	require.Equal(t, 1, conn.PlugConnections(busconnector.RoleTalker))

	require.NoError(t, s.DisconnectPlug(nil))
	require.Equal(t, 0, conn.PlugConnections(busconnector.RoleTalker))
}
