package docker

import (
	"strconv"
	"strings"
	"time"
)

// inspectFormat extracts the three state fields the lifecycle machinery
// cares about in one inspect call.
const inspectFormat = "{{.State.Status}}|{{.State.Restarting}}|{{.State.ExitCode}}"

// Container statuses as reported by docker inspect.
const (
	StatusRunning    = "running"
	StatusExited     = "exited"
	StatusRestarting = "restarting"
	StatusUnknown    = "unknown"
)

// Snapshot is the parsed container state from a single inspect call.
// Immutable once captured; two snapshots taken across the stability window
// feed the Verifier.
type Snapshot struct {
	Status     string
	Restarting bool
	ExitCode   int
	CapturedAt time.Time
	Raw        string
}

// Healthy reports the strict running check: status "running", not
// restarting, exit code zero.
func (s Snapshot) Healthy() bool {
	return s.Status == StatusRunning && !s.Restarting && s.ExitCode == 0
}

// CrashSignal reports whether this snapshot alone indicates crash-loop
// behavior: a restart in progress, or an exit with a non-zero code. Exit
// code 127 is the canonical case, the image is missing the required runtime.
func (s Snapshot) CrashSignal() bool {
	return s.Restarting || (s.Status == StatusExited && s.ExitCode != 0)
}

// parseSnapshot parses the pipe-separated inspect output. Malformed output
// yields an unknown snapshot with exit code -1 so callers never observe a
// spuriously healthy state.
func parseSnapshot(raw string) Snapshot {
	raw = strings.TrimSpace(raw)
	snapshot := Snapshot{
		Status:     StatusUnknown,
		ExitCode:   -1,
		CapturedAt: time.Now(),
		Raw:        raw,
	}

	parts := strings.Split(raw, "|")
	if len(parts) < 3 {
		return snapshot
	}

	snapshot.Status = strings.ToLower(strings.TrimSpace(parts[0]))
	snapshot.Restarting = strings.EqualFold(strings.TrimSpace(parts[1]), "true")
	if code, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil {
		snapshot.ExitCode = code
	}
	return snapshot
}
