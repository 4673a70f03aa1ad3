package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/openfwa/isochd/internal/busconnector"
	"github.com/openfwa/isochd/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Streams[0].Validate())
}

func TestValidateRejectsBadSampleRate(t *testing.T) {
	s := config.DefaultConfig().Streams[0]
	s.SampleRate = 12345
	require.Error(t, s.Validate())
}

func TestValidateRejectsBadRole(t *testing.T) {
	s := config.DefaultConfig().Streams[0]
	s.Role = "both"
	require.Error(t, s.Validate())
}

func TestChannelValueAnyChannel(t *testing.T) {
	s := config.DefaultConfig().Streams[0]
	require.Equal(t, busconnector.AnyChannel, s.ChannelValue())
}

func TestChannelValueFixed(t *testing.T) {
	s := config.DefaultConfig().Streams[0]
	s.Channel = 3
	require.Equal(t, uint32(3), s.ChannelValue())
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "isochd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streams:\n  - role: listener\n    sample_rate: 44100\n    channels: 2\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Streams, 1)
	require.Equal(t, 8, cfg.Streams[0].CyclesPerSegment)
	require.Equal(t, 4, cfg.Streams[0].NumSegments)
	require.Equal(t, -1, cfg.Streams[0].Channel)
	require.NoError(t, cfg.Streams[0].Validate())
}

func TestLoadRoundTripMatchesDefaultsAfterApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "isochd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"streams:\n  - role: talker\n    sample_rate: 48000\n    channels: 2\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	want := config.DefaultConfig()
	if diff := cmp.Diff(want.Streams[0], cfg.Streams[0]); diff != "" {
		t.Errorf("loaded stream config diverged from DefaultConfig (-want +got):\n%s", diff)
	}
}
