// Package inject provides dependency injected structures for mocking odometry sources.
package inject

import (
	"context"

	"github.com/viam-modules/viam-loam/mapping"
	s "github.com/viam-modules/viam-loam/sensors"
)

// TimedOdometry is an injected TimedOdometry.
type TimedOdometry struct {
	s.TimedOdometry
	NameFunc                 func() string
	DataFrequencyHzFunc      func() int
	TimedOdometryReadingFunc func(ctx context.Context) (mapping.OdometryResult, error)
}

// Name calls the injected Name or the real version.
func (tod *TimedOdometry) Name() string {
	if tod.NameFunc == nil {
		return tod.TimedOdometry.Name()
	}
	return tod.NameFunc()
}

// DataFrequencyHz calls the injected DataFrequencyHz or the real version.
func (tod *TimedOdometry) DataFrequencyHz() int {
	if tod.DataFrequencyHzFunc == nil {
		return tod.TimedOdometry.DataFrequencyHz()
	}
	return tod.DataFrequencyHzFunc()
}

// TimedOdometryReading calls the injected TimedOdometryReading or the real version.
func (tod *TimedOdometry) TimedOdometryReading(ctx context.Context) (mapping.OdometryResult, error) {
	if tod.TimedOdometryReadingFunc == nil {
		return tod.TimedOdometry.TimedOdometryReading(ctx)
	}
	return tod.TimedOdometryReadingFunc(ctx)
}
