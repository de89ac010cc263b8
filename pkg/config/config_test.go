package config

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamCountLimit(t *testing.T) {
	testCases := []struct {
		depth int
		want  int
	}{
		{0, 0},
		{1, 2},
		{2, 4},
		{5, 32},
	}

	for _, tc := range testCases {
		cfg := &Config{MerkleDepthLimit: tc.depth}
		require.Equal(t, tc.want, cfg.StreamCountLimit())
	}
}

func TestMinStreamCountDefaultsToHalfTheLimit(t *testing.T) {
	cfg := &Config{MerkleDepthLimit: 5}
	require.Equal(t, 16, cfg.MinStreamCountOrDefault())

	cfg.MinStreamCount = 3
	require.Equal(t, 3, cfg.MinStreamCountOrDefault())
}

func TestMaxStreamCountDefaultsToUnbounded(t *testing.T) {
	cfg := &Config{}
	require.Equal(t, math.MaxInt32, cfg.MaxStreamCountOrDefault())

	cfg.MaxStreamCount = 100
	require.Equal(t, 100, cfg.MaxStreamCountOrDefault())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero value is valid", Config{}, false},
		{"negative depth", Config{MerkleDepthLimit: -1}, true},
		{"negative min", Config{MinStreamCount: -1}, true},
		{"min above limit", Config{MerkleDepthLimit: 1, MinStreamCount: 3}, true},
		{"contract anchors without address", Config{UseSmartContractAnchors: true}, true},
		{"contract anchors with address", Config{UseSmartContractAnchors: true, AnchorContractAddress: "0x0ad5fc"}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			errs := tc.cfg.Validate()
			if tc.wantErr {
				require.NotEmpty(t, errs)
			} else {
				require.Empty(t, errs)
			}
		})
	}
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv(EnvCASMerkleDepthLimit, "3")
	t.Setenv(EnvCASMinStreamCount, "2")
	t.Setenv(EnvCASDataPath, "/tmp/cas")

	cfg, err := FromEnvironment()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.MerkleDepthLimit)
	require.Equal(t, 2, cfg.MinStreamCount)
	require.Equal(t, DefaultReadyRetention, cfg.ReadyRetention)
}

func TestFromEnvironmentRejectsGarbage(t *testing.T) {
	t.Setenv(EnvCASMerkleDepthLimit, "not-a-number")

	_, err := FromEnvironment()
	require.Error(t, err)
}

func TestIsTestEnv(t *testing.T) {
	t.Setenv(EnvNodeEnv, "test")
	require.True(t, IsTestEnv())

	t.Setenv(EnvNodeEnv, "production")
	require.False(t, IsTestEnv())
}
