// Package sensors defines the odometry sources that feed the mapping loop.
package sensors

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-loam/mapping"
)

// ErrEndOfDataset is returned by a replay source once every frame was read.
var ErrEndOfDataset = errors.New("reached end of dataset")

var validate = validator.New()

// TimedOdometry describes a source of odometry results, such as a scan
// registration front end or a recording of one.
type TimedOdometry interface {
	Name() string
	// DataFrequencyHz is the rate results are produced at in online mode.
	DataFrequencyHz() int
	TimedOdometryReading(ctx context.Context) (mapping.OdometryResult, error)
}

// GPSSource is implemented by sources that also recorded geodetic fixes.
type GPSSource interface {
	GPSFixes() []GPSFix
}

// GPSFix is a geodetic fix in degrees and metres above the reference ellipsoid.
type GPSFix struct {
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	Latitude  float64   `yaml:"latitude" json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `yaml:"longitude" json:"longitude" validate:"gte=-180,lte=180"`
	Altitude  float64   `yaml:"altitude" json:"altitude"`
}

// ValidateGetData polls the source every sensorValidationInterval until a
// reading succeeds or sensorValidationMaxTimeout has elapsed.
// ErrEndOfDataset is returned immediately.
func ValidateGetData(
	ctx context.Context,
	source TimedOdometry,
	sensorValidationMaxTimeout time.Duration,
	sensorValidationInterval time.Duration,
	logger logging.Logger,
) (mapping.OdometryResult, error) {
	ctx, span := trace.StartSpan(ctx, "viamloam::sensors::ValidateGetData")
	defer span.End()

	startTime := time.Now().UTC()

	for {
		reading, err := source.TimedOdometryReading(ctx)
		if err == nil {
			return reading, nil
		}
		if errors.Is(err, ErrEndOfDataset) {
			return mapping.OdometryResult{}, err
		}

		logger.Debugw("ValidateGetData hit error: ", "error", err)
		if time.Since(startTime) >= sensorValidationMaxTimeout {
			return mapping.OdometryResult{}, errors.Wrap(err, "ValidateGetData timeout")
		}
		if !goutils.SelectContextOrWait(ctx, sensorValidationInterval) {
			return mapping.OdometryResult{}, ctx.Err()
		}
	}
}
