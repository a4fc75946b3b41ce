// Package main runs the laser mapping service over a replay directory until
// the dataset is exhausted or the process is interrupted.
package main

import (
	"context"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	viamloam "github.com/viam-modules/viam-loam"
	"github.com/viam-modules/viam-loam/config"
	"github.com/viam-modules/viam-loam/telemetry"
)

// Versioning variables which are replaced by LD flags.
var (
	Version     = "development"
	GitRevision = ""
)

const jobDonePollInterval = 500 * time.Millisecond

// Arguments for the command.
type Arguments struct {
	Config  string `flag:"config,usage=path to the yaml config"`
	Debug   bool   `flag:"debug,usage=enable debug logging and trace export"`
	Version bool   `flag:"version,usage=print the version and exit"`
}

func main() {
	utils.ContextualMain(mainWithArgs, logging.NewLogger("viam-loam"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	var versionFields []interface{}
	if Version != "" {
		versionFields = append(versionFields, "version", Version)
	}
	if GitRevision != "" {
		versionFields = append(versionFields, "git_rev", GitRevision)
	}
	if len(versionFields) != 0 {
		logger.Infow("viam-loam", versionFields...)
	} else {
		logger.Info("viam-loam built from source; version unknown")
	}
	if argsParsed.Version {
		return nil
	}

	if argsParsed.Debug {
		logger.SetLevel(logging.DEBUG)
		exporter, err := telemetry.SetupTelemetry(telemetry.DefaultReportingInterval)
		if err != nil {
			return err
		}
		defer exporter.Stop()
	}

	if argsParsed.Config == "" {
		return utils.NewConfigValidationFieldRequiredError("arguments", "config")
	}
	cfg, err := config.Load(argsParsed.Config)
	if err != nil {
		return err
	}

	svc, err := viamloam.New(ctx, cfg, logger, nil, nil)
	if err != nil {
		return err
	}

	for !svc.JobDone() && svc.Err() == nil {
		if !utils.SelectContextOrWait(ctx, jobDonePollInterval) {
			break
		}
	}
	switch {
	case svc.Err() != nil:
		logger.Errorw("mapping stopped, shutting down", "error", svc.Err())
	case svc.JobDone():
		logger.Info("dataset exhausted, finishing")
	}
	// ctx may already be cancelled; offline mode still drains what is queued.
	return svc.Close(context.Background())
}
