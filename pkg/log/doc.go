// Package log provides the logging abstraction used across starpool.
//
// Components accept a [Logger] and never construct one themselves. Two
// implementations ship with the package: [ZerologAdapter] (console or
// rotating file output) and [NoopLogger].
//
// # Usage
//
// Console output for a CLI:
//
//	logger := log.NewZerologAdapter("info")
//
// Rotating file output for a worker process:
//
//	logger, closer := log.NewFileLogger(log.FileConfig{Path: "/var/log/starpool/worker-1.log"})
//	defer closer.Close()
//
// Scope a logger to one worker:
//
//	wlog := log.With(logger, log.String("worker_id", id))
package log
