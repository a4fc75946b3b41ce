package sensorprocess

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-loam/mapping"
	s "github.com/viam-modules/viam-loam/sensors"
)

// StartOdometry reads the source and adds each result to the mapping loop until
// the context is done, the mapping loop refuses results, or the source is
// exhausted. It returns true only in the last case.
func (config *Config) StartOdometry(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		var (
			jobDone bool
			err     error
		)
		if config.Online {
			jobDone, err = config.addOdometryReadingInOnline(ctx)
		} else {
			jobDone, err = config.addOdometryReadingInOffline(ctx)
		}
		if jobDone {
			config.Logger.Infow("odometry source exhausted", "source", config.Source.Name())
			return true
		}
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			config.Logger.Errorw("stopping odometry feed, mapping loop stopped or refused a result", "error", err)
			return false
		}
	}
}

// addOdometryReadingInOnline hands the next result to the mapping loop once and
// sleeps the remainder of the source's interval. Read errors other than the end
// of the dataset are logged and the reading is skipped.
func (config *Config) addOdometryReadingInOnline(ctx context.Context) (bool, error) {
	startTime := time.Now().UTC()
	reading, err := config.Source.TimedOdometryReading(ctx)
	if errors.Is(err, s.ErrEndOfDataset) {
		return true, nil
	}
	if err != nil {
		config.Logger.Warnw("skipping odometry reading", "error", err)
	} else if err := config.tryAddOdometryReading(ctx, reading); err != nil {
		return false, err
	}

	timeToSleep := remainingInterval(config.Source.DataFrequencyHz(), time.Since(startTime))
	config.Logger.Debugf("odometry sleep for %v", timeToSleep)
	if !goutils.SelectContextOrWait(ctx, timeToSleep) {
		return false, ctx.Err()
	}
	return false, nil
}

// addOdometryReadingInOffline waits for the mapping loop to catch up and then
// hands it the next result, so no result is ever dropped. Waiting ends early
// with the loop's error once it has stopped.
func (config *Config) addOdometryReadingInOffline(ctx context.Context) (bool, error) {
	for config.Mapper.Pending() >= config.maxPending() {
		if err := config.Mapper.Err(); err != nil {
			return false, err
		}
		if !goutils.SelectContextOrWait(ctx, config.pollInterval()) {
			return false, ctx.Err()
		}
	}

	reading, err := config.Source.TimedOdometryReading(ctx)
	if errors.Is(err, s.ErrEndOfDataset) {
		return true, nil
	}
	if err != nil {
		config.Logger.Warnw("skipping odometry reading", "error", err)
		if !goutils.SelectContextOrWait(ctx, config.pollInterval()) {
			return false, ctx.Err()
		}
		return false, nil
	}
	return false, config.tryAddOdometryReading(ctx, reading)
}

func (config *Config) tryAddOdometryReading(ctx context.Context, reading mapping.OdometryResult) error {
	err := config.Mapper.AddOdometryResult(ctx, reading)
	if err != nil {
		config.Logger.Debugf("%v \t | ODOMETRY | Failure \t \t | %v \n", reading.Timestamp, reading.Timestamp.Unix())
	} else {
		config.Logger.Debugf("%v \t | ODOMETRY | Success \t \t | %v \n", reading.Timestamp, reading.Timestamp.Unix())
	}
	return err
}

// remainingInterval returns what is left of one period at dataFrequencyHz
// after elapsed. A zero frequency never sleeps.
func remainingInterval(dataFrequencyHz int, elapsed time.Duration) time.Duration {
	if dataFrequencyHz <= 0 {
		return 0
	}
	period := time.Second / time.Duration(dataFrequencyHz)
	return time.Duration(math.Max(0, float64(period-elapsed)))
}
