package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse_OverridesOnlyNamedOptions(t *testing.T) {
	cfg, err := Parse([]byte(`
consensus:
  min_validators: 7
checkpoints:
  interval: 10
`))
	require.NoError(t, err)

	require.Equal(t, 7, cfg.Consensus.MinValidators)
	require.EqualValues(t, 10, cfg.Checkpoints.Interval)
	// Untouched sections keep their defaults.
	require.Equal(t, "BLS", cfg.Security.CryptoSuite)
	require.Equal(t, 3, cfg.Performance.PipelineDepth)
}

func TestMarshalParse_RoundTrips(t *testing.T) {
	want := Default()
	want.Storage.Sharding.Enabled = true
	want.Storage.Sharding.ReplicationFactor = 3

	data, err := Marshal(want)
	require.NoError(t, err)

	got, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
