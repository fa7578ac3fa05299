// Package watchdog implements the timeout sweeper for stuck workflows. It
// periodically scans for items left in an in-flight state past a deadline
// and forces them to their terminal failure state, emitting a notification
// with a human-readable reason.
//
// The forced transition is version guarded: if the real reply lands first,
// the watchdog's write loses the race and is a no-op, and vice versa. This
// is the only recovery path for choreographed workflows with no
// orchestrator watching global progress.
package watchdog
