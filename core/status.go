package core

import "strings"

// TaskStatus is the lifecycle state of a task slot. Each status is a single
// bit so that several can be queried at once (see Pool.Find).
type TaskStatus uint8

const (
	StatusIdle TaskStatus = 1 << iota
	StatusRunning
	StatusWaitingIO
	StatusTerminating
	StatusTerminated
)

// StatusBusy matches every status that occupies a pool slot.
const StatusBusy = StatusRunning | StatusWaitingIO | StatusTerminating | StatusTerminated

// Has reports whether s matches any status in set.
func (s TaskStatus) Has(set TaskStatus) bool {
	return s&set != 0
}

var statusNames = []struct {
	status TaskStatus
	name   string
}{
	{StatusIdle, "IDLE"},
	{StatusRunning, "RUNNING"},
	{StatusWaitingIO, "WAITINGIO"},
	{StatusTerminating, "TERMINATING"},
	{StatusTerminated, "TERMINATED"},
}

func (s TaskStatus) String() string {
	if s == 0 {
		return "NONE"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.status != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}
