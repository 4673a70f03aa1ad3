// Package config defines the daemon's YAML configuration, in the shape of
// the teacher's per-module Config/DefaultConfig pairs (e.g.
// modules/route/controlplane/cfg.go).
package config

import (
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/openfwa/isochd/internal/busconnector"
	"github.com/openfwa/isochd/internal/logging"
	"github.com/openfwa/isochd/internal/shmring"
	"github.com/openfwa/isochd/internal/xerror"
)

// StreamConfig configures one talker or listener stream.
type StreamConfig struct {
	// Role is "talker" or "listener".
	Role string `yaml:"role"`
	// SampleRate is one of the six AMDTP rates (44100, 48000, 88200, 96000,
	// 176400, 192000).
	SampleRate uint32 `yaml:"sample_rate"`
	// Channels is the number of interleaved PCM channels per frame.
	Channels int `yaml:"channels"`
	// BlocksPerPacket is the AMDTP blocking factor (defaults to 1).
	BlocksPerPacket uint8 `yaml:"blocks_per_packet"`
	// CyclesPerSegment is the descriptor-ring segment granularity.
	CyclesPerSegment int `yaml:"cycles_per_segment"`
	// NumSegments is the descriptor ring's segment count.
	NumSegments int `yaml:"num_segments"`
	// Channel is the requested isoch channel number, or -1 for AnyChannel.
	Channel int `yaml:"channel"`
	// Speed is the requested bus speed tier: 100, 200, 400, or 800.
	Speed int `yaml:"speed"`
	// ShmPath, if set, backs this stream's cross-process ring with a
	// shared-memory file instead of the default in-process ring.
	ShmPath string `yaml:"shm_path"`
	// ShmCapacity is the shared-memory ring's frame capacity (power of two).
	ShmCapacity int `yaml:"shm_capacity"`
	// ShmSizeLimit caps the mmap'd size a ShmCapacity is allowed to imply,
	// in human-readable form (e.g. "16MB"), rejecting configs that would
	// request an unreasonably large shared-memory region.
	ShmSizeLimit datasize.ByteSize `yaml:"shm_size_limit"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Logging logging.Config `yaml:"logging"`

	// MemoryLockEnabled requests mlock on every stream's VM allocation;
	// failure is logged, not fatal, per spec.md §5/§9.
	MemoryLockEnabled bool `yaml:"memory_lock_enabled"`

	// StopTimeout is parsed from the file, but no stop path reads it:
	// Stream.Stop and Manager.RequestStop do not wait for finalize.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	Streams []StreamConfig `yaml:"streams"`
}

// DefaultConfig returns the daemon's default configuration: one talker
// stream at 48kHz stereo, matching the most common AMDTP configuration
// named in spec.md §3.
func DefaultConfig() *Config {
	return &Config{
		Logging:           logging.Config{Level: zapcore.InfoLevel},
		MemoryLockEnabled: true,
		StopTimeout:       2 * time.Second,
		Streams: []StreamConfig{
			{
				Role:             "talker",
				SampleRate:       48000,
				Channels:         2,
				BlocksPerPacket:  1,
				CyclesPerSegment: 8,
				NumSegments:      4,
				Channel:          -1,
				Speed:            400,
				ShmCapacity:      256,
				ShmSizeLimit:     16 * datasize.MB,
			},
		},
	}
}

// Load reads and parses a YAML config file at path, applying defaults for
// any zero-valued streams field the file omits.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerror.Wrap(xerror.BadArgument, "config.Load", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, xerror.Wrap(xerror.BadArgument, "config.Load", err)
	}
	for i := range cfg.Streams {
		cfg.Streams[i].applyDefaults()
	}
	return cfg, nil
}

func (s *StreamConfig) applyDefaults() {
	if s.BlocksPerPacket == 0 {
		s.BlocksPerPacket = 1
	}
	if s.CyclesPerSegment == 0 {
		s.CyclesPerSegment = 8
	}
	if s.NumSegments == 0 {
		s.NumSegments = 4
	}
	if s.Channel == 0 {
		s.Channel = -1
	}
	if s.Speed == 0 {
		s.Speed = 400
	}
	if s.ShmCapacity == 0 {
		s.ShmCapacity = 256
	}
	if s.ShmSizeLimit == 0 {
		s.ShmSizeLimit = 16 * datasize.MB
	}
}

// Validate checks a StreamConfig's invariants, returning a BadArgument
// error naming the first violation found.
func (s StreamConfig) Validate() error {
	if s.Role != "talker" && s.Role != "listener" {
		return xerror.New(xerror.BadArgument, "StreamConfig.Validate: role")
	}
	switch s.SampleRate {
	case 44100, 48000, 88200, 96000, 176400, 192000:
	default:
		return xerror.New(xerror.BadArgument, "StreamConfig.Validate: sample_rate")
	}
	if s.Channels <= 0 {
		return xerror.New(xerror.BadArgument, "StreamConfig.Validate: channels")
	}
	if s.CyclesPerSegment <= 0 || s.NumSegments <= 0 {
		return xerror.New(xerror.BadArgument, "StreamConfig.Validate: ring geometry")
	}
	if s.ShmPath != "" {
		if s.ShmCapacity <= 0 || s.ShmCapacity&(s.ShmCapacity-1) != 0 {
			return xerror.New(xerror.BadArgument, "StreamConfig.Validate: shm_capacity must be a power of two")
		}
		impliedSize := datasize.ByteSize(s.ShmCapacity) * datasize.ByteSize(shmring.MaxFrames*shmring.MaxBytesPerFrame)
		limit := s.ShmSizeLimit
		if limit == 0 {
			limit = 16 * datasize.MB
		}
		if impliedSize > limit {
			return xerror.New(xerror.BadArgument, "StreamConfig.Validate: shm_capacity exceeds shm_size_limit")
		}
	}
	return nil
}

// ChannelValue maps a config channel (-1 meaning AnyChannel) onto the
// transport layer's channel encoding.
func (s StreamConfig) ChannelValue() uint32 {
	if s.Channel < 0 {
		return busconnector.AnyChannel
	}
	return uint32(s.Channel)
}

// SpeedValue maps a config speed tier onto busconnector.Speed.
func (s StreamConfig) SpeedValue() busconnector.Speed {
	switch s.Speed {
	case 100:
		return busconnector.Speed100
	case 200:
		return busconnector.Speed200
	case 800:
		return busconnector.Speed800
	case 400:
		return busconnector.Speed400
	default:
		return busconnector.Speed400
	}
}

// RoleValue reports this stream's busconnector.Role.
func (s StreamConfig) RoleValue() busconnector.Role {
	if s.Role == "listener" {
		return busconnector.RoleListener
	}
	return busconnector.RoleTalker
}
