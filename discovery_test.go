// discovery_test.go
package wirespool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/board"
	fakeboard "go.viam.com/rdk/components/board/fake"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

func TestResourceSuffix(t *testing.T) {
	tests := []struct {
		name     string
		board    string
		expected string
	}{
		{name: "plain", board: "board", expected: "board"},
		{name: "spaces and case", board: "My Board", expected: "my-board"},
		{name: "punctuation", board: "pi_5.local", expected: "pi-5-local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resourceSuffix(tt.board))
		})
	}
}

func TestFindCalibrationFile(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()

	assert.Equal(t, "", findCalibrationFile(dir, "board", logger))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "wirespool_calibration.json"), []byte("{}"), 0o644))
	assert.Equal(t, "wirespool_calibration.json", findCalibrationFile(dir, "board", logger))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "board_calibration.json"), []byte("{}"), 0o644))
	assert.Equal(t, "board_calibration.json", findCalibrationFile(dir, "board", logger))
}

func TestSpoolDiscoveryConfigValidate(t *testing.T) {
	cfg := &SpoolDiscoveryConfig{}
	_, _, err := cfg.Validate("path")
	assert.Error(t, err)

	cfg.Boards = []string{"a", "b"}
	deps, _, err := cfg.Validate("path")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, deps)

	w := cfg.wiring()
	assert.Equal(t, DefaultSpoolWiring.Motors, w.Motors)
	assert.Equal(t, "40", w.OriginPin)
	assert.Equal(t, "enc", w.CounterInterrupt)
}

func TestDiscoverResources(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	dataDir := t.TempDir()
	t.Setenv("VIAM_MODULE_DATA", dataDir)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "board_calibration.json"), []byte("{}"), 0o644))

	wired := newFakeBoard(t)
	bare, err := fakeboard.NewBoard(ctx, resource.Config{Name: "bare", ConvertedAttributes: &fakeboard.Config{}}, logger)
	require.NoError(t, err)
	defer bare.Close(ctx)

	deps := resource.Dependencies{
		board.Named("board"): wired,
		board.Named("bare"):  bare,
	}
	svc, err := newSpoolDiscovery(ctx, deps, resource.Config{
		Name:                "discovery",
		API:                 discovery.API,
		ConvertedAttributes: &SpoolDiscoveryConfig{Boards: []string{"bare", "board"}},
	}, logger)
	require.NoError(t, err)

	configs, err := svc.DiscoverResources(ctx, nil)
	require.NoError(t, err)
	require.Len(t, configs, 4, "sensor, encoder and two motors on the wired board only")

	names := make([]string, len(configs))
	for i, c := range configs {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"spool-board", "spool-encoder-board", "spool-motor1-board", "spool-motor2-board"}, names)

	motor2 := configs[3]
	assert.Equal(t, motor.API, motor2.API)
	assert.Equal(t, MotorModel, motor2.Model)

	// the proposed attributes form a valid spool config
	raw, err := json.Marshal(motor2.Attributes)
	require.NoError(t, err)
	var cfg SpoolConfig
	require.NoError(t, json.Unmarshal(raw, &cfg))
	_, _, err = cfg.Validate("discovered")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MotorIndex)
	assert.Equal(t, "board_calibration.json", cfg.CalibrationFile)
	assert.Equal(t, filepath.Join(dataDir, "board_calibration.json"), cfg.CalibrationPath())

	t.Run("missing board dependency", func(t *testing.T) {
		_, err := newSpoolDiscovery(ctx, resource.Dependencies{}, resource.Config{
			Name:                "discovery",
			API:                 discovery.API,
			ConvertedAttributes: &SpoolDiscoveryConfig{Boards: []string{"board"}},
		}, logger)
		assert.Error(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := svc.DiscoverResources(cctx, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
