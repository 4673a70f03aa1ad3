// Command isoch-loopback exercises a talker and a listener Stream, each
// bound to its own busmock.Connector, end to end: configure, start, push
// synthetic audio, drive segment-complete cycles, observe messages, stop.
// It stands in for real hardware exactly as spec.md §9's design notes
// describe ("real and mock implementations interchangeable"), and doubles
// as a manual regression check for the lifecycle spec.md §8 scenario S8
// ("Stop determinism") describes.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/openfwa/isochd/internal/busconnector"
	"github.com/openfwa/isochd/internal/busmock"
	"github.com/openfwa/isochd/internal/clock"
	"github.com/openfwa/isochd/internal/stream"
	"github.com/openfwa/isochd/internal/xcmd"
)

func main() {
	duration := flag.Duration("duration", 2*time.Second, "how long to run before stopping")
	sampleRate := flag.Uint("rate", 48000, "sample rate (44100 or 48000 family)")
	channels := flag.Int("channels", 2, "PCM channel count")
	flag.Parse()

	if err := run(*duration, uint32(*sampleRate), *channels); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(duration time.Duration, sampleRate uint32, channels int) error {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()
	log := logger.Sugar()

	talkerConnector := busmock.New(1)
	listenerConnector := busmock.New(2)

	talkerStream, err := newStream(talkerConnector, busconnector.RoleTalker, sampleRate, channels, log.Named("talker"))
	if err != nil {
		return fmt.Errorf("talker: %w", err)
	}
	listenerStream, err := newStream(listenerConnector, busconnector.RoleListener, sampleRate, channels, log.Named("listener"))
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}

	var segmentsSeen int
	listenerStream.SetPacketCallback(func(segment uint32, payload []byte, timestamp uint32) {
		segmentsSeen++
	})

	if err := talkerStream.ConnectPlug(nil); err != nil {
		return fmt.Errorf("talker connect plug: %w", err)
	}
	if err := listenerStream.ConnectPlug(nil); err != nil {
		return fmt.Errorf("listener connect plug: %w", err)
	}

	if err := talkerStream.Start(); err != nil {
		return fmt.Errorf("talker start: %w", err)
	}
	if err := listenerStream.Start(); err != nil {
		return fmt.Errorf("listener start: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	go feedSineWave(ctx, talkerStream, sampleRate, channels)
	go driveSegments(ctx, talkerConnector, 4)
	go driveSegments(ctx, listenerConnector, 4)

	err = xcmd.WaitInterrupted(ctx)
	if err != nil && err != context.DeadlineExceeded {
		log.Infow("stopping on signal", "error", err)
	}

	xcmd.StopAll(log, "stream", talkerStream, listenerStream)

	log.Infow("loopback run complete", "segments_observed", segmentsSeen,
		"talker_overruns", talkerStream.OverrunCount(), "listener_overruns", listenerStream.OverrunCount())
	return nil
}

func newStream(connector busconnector.Connector, role busconnector.Role, sampleRate uint32, channels int, log *zap.SugaredLogger) (*stream.Stream, error) {
	s, err := stream.New(connector, stream.Config{
		Role:             role,
		SampleRate:       sampleRate,
		Channels:         channels,
		BlocksPerPacket:  1,
		CyclesPerSegment: 8,
		NumSegments:      4,
		Speed:            busconnector.Speed400,
		Channel:          busconnector.AnyChannel,
		ShmCapacity:      256,
		Clock:            clock.System{},
		Log:              log,
	})
	if err != nil {
		return nil, err
	}
	s.SetMessageCallback(func(code stream.MessageCode, p1, p2 uint32) {
		log.Debugw("message", "code", code, "param1", p1, "param2", p2)
	})
	if err := s.Configure(); err != nil {
		return nil, err
	}
	return s, nil
}

// feedSineWave pushes a synthesized tone into a talker Stream's ring until
// ctx is done, standing in for a real driver plug-in's audio source.
func feedSineWave(ctx context.Context, s *stream.Stream, sampleRate uint32, channels int) {
	const freq = 440.0
	frame := make([]byte, channels*4)
	var n uint64
	ticker := time.NewTicker(125 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := int32(math.Sin(2*math.Pi*freq*float64(n)/float64(sampleRate)) * (1 << 23))
			for c := 0; c < channels; c++ {
				off := c * 4
				frame[off] = byte(sample)
				frame[off+1] = byte(sample >> 8)
				frame[off+2] = byte(sample >> 16)
				frame[off+3] = byte(sample >> 24)
			}
			s.PushAudioData(frame)
			n++
		}
	}
}

// driveSegments periodically triggers the mock connector's segment-complete
// callback, standing in for hardware reaching each segment's terminator
// descriptor.
func driveSegments(ctx context.Context, connector *busmock.Connector, numSegments uint32) {
	ticker := time.NewTicker(time.Duration(8) * 125 * time.Microsecond)
	defer ticker.Stop()
	var seg uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connector.TriggerSegmentComplete(seg)
			seg = (seg + 1) % numSegments
		}
	}
}
