package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"go.viam.com/utils"

	"github.com/viam-modules/viam-loam/hybridgrid"
	"github.com/viam-modules/viam-loam/mapping"
)

const simplestConfig = `
mode: offline
data_dir: /tmp/replay
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	test.That(t, os.WriteFile(path, []byte(body), 0o600), test.ShouldBeNil)
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Simplest valid config", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, simplestConfig))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.Mode, test.ShouldEqual, "offline")
		test.That(t, cfg.DataDirectory, test.ShouldEqual, "/tmp/replay")
		test.That(t, cfg.MapResolution, test.ShouldBeNil)
	})

	t.Run("Every field", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
mode: ONLINE
data_dir: /tmp/replay
mapping_line_resolution: 0.1
mapping_plane_resolution: 0.3
map_resolution: 2.5
max_grid_bits: 6
surround_radius: 40
queue_wait_msec: 20
snapshot_every_n_frames: 3
data_frequency_hz: 5
publish_addr: tcp://127.0.0.1:40899
output_dir: /tmp/out
metrics_addr: localhost:9090
compress: true
`))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, *cfg.LineResolution, test.ShouldEqual, 0.1)
		test.That(t, *cfg.MaxGridBits, test.ShouldEqual, 6)
		test.That(t, *cfg.DataFrequencyHz, test.ShouldEqual, 5)
		test.That(t, cfg.PublishAddr, test.ShouldEqual, "tcp://127.0.0.1:40899")
		test.That(t, cfg.OutputDirectory, test.ShouldEqual, "/tmp/out")
		test.That(t, cfg.MetricsAddr, test.ShouldEqual, "localhost:9090")
		test.That(t, cfg.Compress, test.ShouldBeTrue)
	})

	t.Run("Config without required fields", func(t *testing.T) {
		path := writeConfig(t, "data_dir: /tmp/replay\n")
		_, err := Load(path)
		test.That(t, err, test.ShouldBeError, newError(utils.NewConfigValidationFieldRequiredError(path, "mode").Error()))

		path = writeConfig(t, "mode: online\n")
		_, err = Load(path)
		test.That(t, err, test.ShouldBeError, newError(utils.NewConfigValidationFieldRequiredError(path, "data_dir").Error()))
	})

	t.Run("Config with an unknown mode", func(t *testing.T) {
		_, err := Load(writeConfig(t, "mode: sideways\ndata_dir: /tmp/replay\n"))
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "unknown mapping mode")
	})

	t.Run("Config with out of range values", func(t *testing.T) {
		for _, line := range []string{
			"map_resolution: 0",
			"mapping_line_resolution: -1",
			"mapping_plane_resolution: 0",
			"surround_radius: -5",
			"max_grid_bits: 0",
			"max_grid_bits: 21",
			"queue_wait_msec: 0",
			"snapshot_every_n_frames: 0",
			"data_frequency_hz: -1",
		} {
			_, err := Load(writeConfig(t, simplestConfig+line+"\n"))
			test.That(t, err, test.ShouldNotBeNil)
		}
	})

	t.Run("Config with invalid parameter type", func(t *testing.T) {
		_, err := Load(writeConfig(t, simplestConfig+"map_resolution: coarse\n"))
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestGetOptionalParameters(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("Pass default parameters", func(t *testing.T) {
		params, err := GetOptionalParameters(&Config{Mode: "offline", DataDirectory: "/tmp"}, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, params, test.ShouldResemble, OptionalParameters{
			Mode:            mapping.ModeOffline,
			LineResolution:  mapping.DefaultLineResolution,
			PlaneResolution: mapping.DefaultPlaneResolution,
			MapResolution:   mapping.DefaultMapResolution,
			MaxGridBits:     hybridgrid.DefaultMaxBits,
			SurroundRadius:  hybridgrid.DefaultSurroundRadius,
			QueueWait:       mapping.DefaultQueueWait,
			SnapshotEvery:   mapping.DefaultSnapshotEvery,
		})
	})

	t.Run("Return overrides", func(t *testing.T) {
		mapResolution, bits, wait, every, hz := 1.5, 5, 10, 2, 4
		params, err := GetOptionalParameters(&Config{
			Mode:                 "online",
			MapResolution:        &mapResolution,
			MaxGridBits:          &bits,
			QueueWaitMsec:        &wait,
			SnapshotEveryNFrames: &every,
			DataFrequencyHz:      &hz,
		}, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, params.Mode, test.ShouldEqual, mapping.ModeOnline)
		test.That(t, params.MapResolution, test.ShouldEqual, 1.5)
		test.That(t, params.MaxGridBits, test.ShouldEqual, 5)
		test.That(t, params.QueueWait, test.ShouldEqual, 10*time.Millisecond)
		test.That(t, params.SnapshotEvery, test.ShouldEqual, 2)
		test.That(t, params.DataFrequencyHz, test.ShouldEqual, 4)
	})

	t.Run("Unknown mode", func(t *testing.T) {
		_, err := GetOptionalParameters(&Config{Mode: "sideways"}, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestResolveDataFrequencyHz(t *testing.T) {
	logger := logging.NewTestLogger(t)
	online := OptionalParameters{Mode: mapping.ModeOnline}
	test.That(t, ResolveDataFrequencyHz(online, 0, logger), test.ShouldEqual, DefaultDataFrequencyHz)
	test.That(t, ResolveDataFrequencyHz(online, 7, logger), test.ShouldEqual, 7)
	online.DataFrequencyHz = 3
	test.That(t, ResolveDataFrequencyHz(online, 7, logger), test.ShouldEqual, 3)
	offline := OptionalParameters{Mode: mapping.ModeOffline, DataFrequencyHz: 3}
	test.That(t, ResolveDataFrequencyHz(offline, 7, logger), test.ShouldEqual, 0)
}
