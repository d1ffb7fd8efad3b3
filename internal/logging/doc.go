// Package logging configures the slog loggers used by snapchain.
//
// The root command builds one logger per run from the -v/-q flags,
// SNAPCHAIN_DEBUG, --log-format and --log-file, and stores it on the
// command context with [NewContext]. Commands fetch it with [FromContext]
// and hand it to the chain engine, which otherwise logs nothing.
//
// Text output goes through [Handler], which colors levels on a terminal
// (see [SupportsColor]). A log file always receives JSON; [MultiHandler]
// fans records out to both.
//
// Per-file events such as compressed or restored paths are logged at
// [LevelTrace], so -vvv is needed to see them.
//
// Tests route engine logs through [ForTest] so they show up only for
// failing tests.
package logging
