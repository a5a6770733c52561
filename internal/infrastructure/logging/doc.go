// Package logging builds the slog loggers used by every Fingerprint
// component.
//
// Records carry service and version attributes. The handler is JSON or
// text and writes to stdout, stderr or, in interactive mode, the console's
// own writer so log lines do not tear the prompt. Component derives a
// child logger tagged with the component name:
//
//	log := logging.New(cfg.Logging, version)
//	log.Component("linked").Warn("link lost", "error", err)
package logging
