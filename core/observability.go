package core

import "time"

// TaskExecutionRecord captures a disposed task.
type TaskExecutionRecord struct {
	TaskID        int
	Name          string
	SchedulerName string
	Steps         int
	Errno         int
	Err           error
	Outcome       string
	SpawnedAt     time.Time
	FinishedAt    time.Time
	Duration      time.Duration
}

// SchedulerStats represents runtime observability state for a scheduler.
// Every field is read without stopping the loop, so the snapshot is not
// atomic across fields.
type SchedulerStats struct {
	Name      string
	Backend   string
	Capacity  int
	InUse     int
	WaitingIO int
	Pending   int

	Spawned   int64
	Rejected  int64
	Exited    int64
	Failed    int64
	Panicked  int64
	Killed    int64
	Passes    int64
	Completed int64

	Running      bool
	Closed       bool
	LastTaskName string
	LastTaskAt   time.Time
}
