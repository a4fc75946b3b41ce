// Package config implements functions to assist with attribute evaluation in the mapping service.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/viam-loam/hybridgrid"
	"github.com/viam-modules/viam-loam/mapping"
)

// DefaultDataFrequencyHz paces online mode when neither the config nor the
// source names a rate.
const DefaultDataFrequencyHz = 10

var validate = validator.New()

// newError returns an error specific to a failure in the mapping config.
func newError(configError string) error {
	return errors.Errorf("mapping service configuration error: %s", configError)
}

// Config describes how to configure the mapping service. Pointer fields are
// optional and take the defaults of GetOptionalParameters when unset.
type Config struct {
	Mode                 string   `json:"mode" yaml:"mode"`
	DataDirectory        string   `json:"data_dir" yaml:"data_dir"`
	LineResolution       *float64 `json:"mapping_line_resolution" yaml:"mapping_line_resolution" validate:"omitempty,gt=0"`
	PlaneResolution      *float64 `json:"mapping_plane_resolution" yaml:"mapping_plane_resolution" validate:"omitempty,gt=0"`
	MapResolution        *float64 `json:"map_resolution" yaml:"map_resolution" validate:"omitempty,gt=0"`
	MaxGridBits          *int     `json:"max_grid_bits" yaml:"max_grid_bits" validate:"omitempty,min=1,max=20"`
	SurroundRadius       *float64 `json:"surround_radius" yaml:"surround_radius" validate:"omitempty,gt=0"`
	QueueWaitMsec        *int     `json:"queue_wait_msec" yaml:"queue_wait_msec" validate:"omitempty,gt=0"`
	SnapshotEveryNFrames *int     `json:"snapshot_every_n_frames" yaml:"snapshot_every_n_frames" validate:"omitempty,min=1"`
	DataFrequencyHz      *int     `json:"data_frequency_hz" yaml:"data_frequency_hz" validate:"omitempty,min=0"`
	PublishAddr          string   `json:"publish_addr" yaml:"publish_addr"`
	OutputDirectory      string   `json:"output_dir" yaml:"output_dir"`
	MetricsAddr          string   `json:"metrics_addr" yaml:"metrics_addr"`
	Compress             bool     `json:"compress" yaml:"compress"`
}

// Load reads and validates the YAML config file at path.
func Load(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(err.Error())
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, newError(err.Error())
	}
	if err := cfg.Validate(path); err != nil {
		return nil, newError(err.Error())
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges. path names the config in errors.
func (config *Config) Validate(path string) error {
	if config.Mode == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "mode")
	}
	if _, err := mapping.ParseMode(config.Mode); err != nil {
		return utils.NewConfigValidationError(path, err)
	}

	if config.DataDirectory == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "data_dir")
	}

	if err := validate.Struct(config); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

// OptionalParameters are the config values with every default applied.
type OptionalParameters struct {
	Mode            mapping.Mode
	LineResolution  float64
	PlaneResolution float64
	MapResolution   float64
	MaxGridBits     int
	SurroundRadius  float64
	QueueWait       time.Duration
	SnapshotEvery   int
	// DataFrequencyHz is zero when unset; see ResolveDataFrequencyHz.
	DataFrequencyHz int
}

// GetOptionalParameters sets any unset optional config parameters to their
// defaults, and returns them.
func GetOptionalParameters(config *Config, logger logging.Logger) (OptionalParameters, error) {
	mode, err := mapping.ParseMode(config.Mode)
	if err != nil {
		return OptionalParameters{}, newError(err.Error())
	}
	params := OptionalParameters{Mode: mode}

	params.LineResolution = floatOrDefault(config.LineResolution, mapping.DefaultLineResolution, "mapping_line_resolution", logger)
	params.PlaneResolution = floatOrDefault(config.PlaneResolution, mapping.DefaultPlaneResolution, "mapping_plane_resolution", logger)
	params.MapResolution = floatOrDefault(config.MapResolution, mapping.DefaultMapResolution, "map_resolution", logger)
	params.SurroundRadius = floatOrDefault(config.SurroundRadius, hybridgrid.DefaultSurroundRadius, "surround_radius", logger)
	params.MaxGridBits = intOrDefault(config.MaxGridBits, hybridgrid.DefaultMaxBits, "max_grid_bits", logger)
	params.SnapshotEvery = intOrDefault(config.SnapshotEveryNFrames, mapping.DefaultSnapshotEvery, "snapshot_every_n_frames", logger)
	queueWaitMsec := intOrDefault(config.QueueWaitMsec, int(mapping.DefaultQueueWait.Milliseconds()), "queue_wait_msec", logger)
	params.QueueWait = time.Duration(queueWaitMsec) * time.Millisecond

	if config.DataFrequencyHz != nil {
		params.DataFrequencyHz = *config.DataFrequencyHz
		if mode == mapping.ModeOffline {
			logger.Debug("data_frequency_hz is ignored in offline mode")
		}
	}
	return params, nil
}

// ResolveDataFrequencyHz picks the pace of online mode: the configured rate,
// else the source's own rate, else DefaultDataFrequencyHz. Offline mode is
// never paced.
func ResolveDataFrequencyHz(params OptionalParameters, sourceHz int, logger logging.Logger) int {
	switch {
	case params.Mode == mapping.ModeOffline:
		return 0
	case params.DataFrequencyHz > 0:
		return params.DataFrequencyHz
	case sourceHz > 0:
		return sourceHz
	default:
		logger.Debugf("no data_frequency_hz given, setting to default value of %d", DefaultDataFrequencyHz)
		return DefaultDataFrequencyHz
	}
}

func floatOrDefault(v *float64, def float64, key string, logger logging.Logger) float64 {
	if v == nil {
		logger.Debugf("no %s given, setting to default value of %v", key, def)
		return def
	}
	return *v
}

func intOrDefault(v *int, def int, key string, logger logging.Logger) int {
	if v == nil {
		logger.Debugf("no %s given, setting to default value of %d", key, def)
		return def
	}
	return *v
}
