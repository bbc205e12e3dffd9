/*
Package log provides the process-wide structured logger for ghosthands,
a thin wrapper over zerolog.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple logging:

	log.Logger.Info().Msg("ghosthands starting")
	log.Logger.Error().Err(err).Msg("failed to connect to containerd")

Component loggers:

	engineLog := log.WithComponent("engine")
	engineLog.Info().Msg("pulled image")

	workerLog := log.WithWorker("i-0123456789")
	workerLog.Info().Msg("worker entered standby")

	deployLog := log.WithDeploy(deployID)
	deployLog.Error().Err(err).Msg("deploy step failed")

Before Init runs (e.g. in tests), Logger defaults to a JSON writer on
stdout with timestamps, so early log calls already go somewhere.
*/
package log
