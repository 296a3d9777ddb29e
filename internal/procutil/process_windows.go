//go:build windows

package procutil

import (
	"regexp"
	"time"
)

// IsAlive is unimplemented on non-POSIX platforms; opentmuxd's reaper and
// multiplexer adapter are POSIX-only (the attach subprocess and tmux
// binary they manage are themselves POSIX tools), so Windows builds
// report every query as empty/false rather than faking an answer.
func IsAlive(pid int) bool { return false }

// Command returns "" on Windows.
func Command(pid int) string { return "" }

// Children returns nil on Windows.
func Children(pid int) []int { return nil }

// ListeningPids returns nil on Windows.
func ListeningPids(port int) []int { return nil }

// FindByPattern returns nil on Windows.
func FindByPattern(pattern *regexp.Regexp) []int { return nil }

// SafeKill returns false on Windows.
func SafeKill(pid int, signal int) bool { return false }

// WaitForExit returns false on Windows.
func WaitForExit(pid int, timeout time.Duration) bool { return false }
