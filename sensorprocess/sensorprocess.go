// Package sensorprocess contains the logic to feed odometry results from a source to the mapping loop
package sensorprocess

import (
	"context"
	"time"

	"go.viam.com/rdk/logging"

	"github.com/viam-modules/viam-loam/mapping"
	s "github.com/viam-modules/viam-loam/sensors"
)

const (
	// defaultMaxPending is how many results offline mode lets queue up in the
	// mapping loop before waiting.
	defaultMaxPending = 1
	// defaultPollInterval is how often offline mode checks the queue while waiting.
	defaultPollInterval = 5 * time.Millisecond
)

// Consumer is the mapping loop as seen by the producer.
type Consumer interface {
	AddOdometryResult(ctx context.Context, r mapping.OdometryResult) error
	Pending() int
	// Err returns the error that stopped the mapping loop, if any.
	Err() error
}

var _ Consumer = (*mapping.Mapper)(nil)

// Config holds config needed throughout the process of adding odometry results to the mapping loop.
type Config struct {
	Mapper Consumer
	Source s.TimedOdometry
	Online bool
	Logger logging.Logger

	// MaxPending and PollInterval tune offline mode; zero values take the defaults.
	MaxPending   int
	PollInterval time.Duration
}

func (config *Config) maxPending() int {
	if config.MaxPending <= 0 {
		return defaultMaxPending
	}
	return config.MaxPending
}

func (config *Config) pollInterval() time.Duration {
	if config.PollInterval <= 0 {
		return defaultPollInterval
	}
	return config.PollInterval
}
