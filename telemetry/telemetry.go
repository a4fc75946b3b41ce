// Package telemetry provides setup for reporting trace spans and stats through telemetry
package telemetry

import (
	"time"

	"go.opencensus.io/trace"
	"go.viam.com/utils/perf"
)

// DefaultReportingInterval is used when SetupTelemetry is given no interval.
const DefaultReportingInterval = time.Second

// SetupTelemetry sets up telemetry so spans of the mapping loop and stats can be
// reported every reportingInterval. Every span is sampled.
func SetupTelemetry(reportingInterval time.Duration) (perf.Exporter, error) {
	if reportingInterval <= 0 {
		reportingInterval = DefaultReportingInterval
	}
	exporter := perf.NewDevelopmentExporterWithOptions(perf.DevelopmentExporterOptions{
		ReportingInterval: reportingInterval,
	})
	if err := exporter.Start(); err != nil {
		return nil, err
	}
	trace.ApplyConfig(trace.Config{DefaultSampler: trace.AlwaysSample()})

	return exporter, nil
}
