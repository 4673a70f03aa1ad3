// Command isochd is the reference daemon: it loads a YAML configuration
// naming one or more talker/listener streams and runs them until signaled,
// in the shape of the teacher's coordinator/cmd/coordinator daemon (cobra
// command, zap logger, errgroup-supervised run/signal goroutines).
//
// No kernel FireWire/1394 driver ships in this corpus (spec.md §9 design
// notes: "abstract behind a BusConnector trait; real and mock
// implementations interchangeable"), so isochd backs every configured
// stream with a busmock.Connector driven by a per-stream cycle ticker
// standing in for hardware segment-complete interrupts. A production
// BusConnector implementation would satisfy the same interface without
// touching this command.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfwa/isochd/internal/busmock"
	"github.com/openfwa/isochd/internal/clock"
	"github.com/openfwa/isochd/internal/config"
	"github.com/openfwa/isochd/internal/logging"
	"github.com/openfwa/isochd/internal/stream"
	"github.com/openfwa/isochd/internal/xcmd"
)

var cmdArgs struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "isochd",
	Short: "Isochronous audio streaming engine daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		err := run(cmdArgs.ConfigPath)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		var interrupted xcmd.Interrupted
		if errors.As(err, &interrupted) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmdArgs.ConfigPath, "config", "c", "", "Path to the YAML configuration file (or set ISOCHD_CONFIG)")
}

func main() {
	// Load developer-local overrides (ISOCHD_CONFIG, etc.) from a .env file
	// if one is present; silently a no-op in production deployments that
	// don't ship one.
	_ = godotenv.Load()
	if envPath := os.Getenv("ISOCHD_CONFIG"); envPath != "" && cmdArgs.ConfigPath == "" {
		cmdArgs.ConfigPath = envPath
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("no config path given (use --config or ISOCHD_CONFIG)")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	streams := make([]*stream.Stream, 0, len(cfg.Streams))
	tickers := make([]*cycleTicker, 0, len(cfg.Streams))

	for i, sc := range cfg.Streams {
		if err := sc.Validate(); err != nil {
			return fmt.Errorf("stream[%d]: %w", i, err)
		}

		nodeID := uint16(i + 1)
		connector := busmock.New(nodeID)

		s, err := stream.New(connector, stream.Config{
			Role:             sc.RoleValue(),
			SampleRate:       sc.SampleRate,
			Channels:         sc.Channels,
			BlocksPerPacket:  sc.BlocksPerPacket,
			CyclesPerSegment: sc.CyclesPerSegment,
			NumSegments:      sc.NumSegments,
			Speed:            sc.SpeedValue(),
			Channel:          sc.ChannelValue(),
			CycleMatchBits:   0,
			ShmPath:          sc.ShmPath,
			ShmCapacity:      sc.ShmCapacity,
			LockMemory:       cfg.MemoryLockEnabled,
			Clock:            clock.System{},
			Log:              log.With("stream", i, "role", sc.Role),
		})
		if err != nil {
			return fmt.Errorf("stream[%d]: new: %w", i, err)
		}

		if err := s.Configure(); err != nil {
			return fmt.Errorf("stream[%d]: configure: %w", i, err)
		}

		streamLog := log.With("stream", i, "role", sc.Role)
		s.SetMessageCallback(func(code stream.MessageCode, p1, p2 uint32) {
			streamLog.Infow("message", "code", code, "param1", p1, "param2", p2)
		})

		streams = append(streams, s)
		tickers = append(tickers, newCycleTicker(connector, sc.CyclesPerSegment, sc.NumSegments))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)

	for i, s := range streams {
		s, ticker := s, tickers[i]
		if err := s.Start(); err != nil {
			return fmt.Errorf("stream[%d]: start: %w", i, err)
		}
		wg.Go(func() error {
			ticker.Run(ctx)
			return nil
		})
	}

	wg.Go(func() error {
		return xcmd.WaitInterrupted(ctx)
	})

	runErr := wg.Wait()

	stoppers := make([]xcmd.Stopper, len(streams))
	for i, s := range streams {
		stoppers[i] = s
	}
	xcmd.StopAll(log, "stream", stoppers...)

	return runErr
}

// cycleTicker drives a busmock.Connector's segment-complete callback at
// roughly the configured segment duration, standing in for hardware
// completion interrupts in the absence of a real bus.
type cycleTicker struct {
	connector       *busmock.Connector
	numSegments     int
	segmentDuration time.Duration
}

func newCycleTicker(connector *busmock.Connector, cyclesPerSegment, numSegments int) *cycleTicker {
	return &cycleTicker{
		connector:       connector,
		numSegments:     numSegments,
		segmentDuration: time.Duration(cyclesPerSegment) * 125 * time.Microsecond,
	}
}

func (t *cycleTicker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.segmentDuration)
	defer ticker.Stop()

	var seg uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.connector.TriggerSegmentComplete(seg)
			seg = (seg + 1) % uint32(t.numSegments)
		}
	}
}
