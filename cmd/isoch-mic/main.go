// Command isoch-mic is the reference driver plug-in: it captures a real
// microphone input with portaudio and pushes it into the cross-process
// shmring producer that isochd's talker side attaches to as a consumer,
// exactly the "driver plug-in and this engine" process boundary spec.md
// §1/§4.7 describes. Grounded on other_examples' PortAudio capture loop
// (device resolution, StreamParameters, float32 capture buffer), adapted
// to write AM824 quadlets into shmring.Ring instead of encoding Opus.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/gordonklaus/portaudio"

	"github.com/openfwa/isochd/internal/shmring"
	"github.com/openfwa/isochd/internal/xcmd"
)

const framesPerBuffer = 64

func main() {
	shmPath := flag.String("shm", "", "path to the shared-memory ring to produce into (required)")
	capacity := flag.Int("capacity", 256, "ring capacity in frames (power of two)")
	sampleRate := flag.Float64("rate", 48000, "capture sample rate")
	channels := flag.Int("channels", 2, "capture channel count")
	flag.Parse()

	if *shmPath == "" {
		fmt.Fprintln(os.Stderr, "ERROR: -shm is required")
		os.Exit(1)
	}

	if err := run(*shmPath, *capacity, *sampleRate, *channels); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(shmPath string, capacity int, sampleRate float64, channels int) error {
	ring, err := shmring.Create(shmPath, capacity)
	if err != nil {
		return fmt.Errorf("create ring: %w", err)
	}
	defer ring.Close()

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	inputDev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("default input device: %w (have %d devices)", err, len(devices))
	}

	captureBuf := make([]float32, framesPerBuffer*channels)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
	}

	quadlets := make([]byte, framesPerBuffer*channels*4)

	captureStream, err := portaudio.OpenStream(params, captureBuf)
	if err != nil {
		return fmt.Errorf("open capture stream: %w", err)
	}
	defer captureStream.Close()

	if err := captureStream.Start(); err != nil {
		return fmt.Errorf("start capture stream: %w", err)
	}
	defer captureStream.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = xcmd.WaitInterrupted(ctx)
		cancel()
	}()

	var seed uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := captureStream.Read(); err != nil {
			return fmt.Errorf("capture read: %w", err)
		}

		floatToAM824(captureBuf, quadlets)
		seed++
		// A false return means the engine-side consumer fell behind; drop
		// this chunk rather than block the capture thread, per spec.md
		// §4.7/§7 (overruns are tracked, never fatal to the producer).
		ring.Push(shmring.Timestamp{Seed: seed}, uint32(framesPerBuffer), uint32(len(quadlets)), quadlets)
	}
}

// floatToAM824 converts portaudio's interleaved float32 [-1,1] samples into
// AM824 24-in-32 quadlets: the low three bytes carry the sample and the
// fourth byte carries the 0x40 raw-audio label.
func floatToAM824(in []float32, out []byte) {
	for i, f := range in {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		sample := int32(math.Round(float64(f) * float64(1<<23-1)))
		off := i * 4
		out[off] = byte(sample)
		out[off+1] = byte(sample >> 8)
		out[off+2] = byte(sample >> 16)
		out[off+3] = 0x40 // AM824 label nibble for raw audio
	}
}
