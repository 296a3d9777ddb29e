// Package procutil provides the signal-safe process primitives used by the
// zombie reaper and the multiplexer adapter: liveness probes, command-line
// and child-pid queries, listening-port lookups, pattern search, and kill/
// wait helpers. Every operation is side-effect-limited to signalling or
// querying the OS; none of them raise — a failure is reported as a sentinel
// empty value (false, "", or nil) rather than an error. HideWindow
// additionally suppresses the console window flash Windows shows when
// launching a child process via exec.Command.
package procutil
