// Package log provides the logging abstraction used by walvault components.
//
// Components take the Logger interface so replication internals never bind
// to a concrete logging library. A zerolog adapter is provided for the CLI
// and embedding processes; the no-op logger is for tests and for hosts that
// want replication to stay silent.
//
//	logger := log.NewZerologAdapter()
//	logger.Info("shipped batch", log.Int("frames", n))
package log
