// Copyright 2025 James Ross
package store

import "time"

// TaskType is the closed set of inference algorithms the engine understands (§3).
type TaskType string

const (
	TaskImageEmbedding TaskType = "image_embedding"
	TaskFaceDetection  TaskType = "face_detection"
	TaskFaceEmbedding  TaskType = "face_embedding"
)

// ValidTaskType reports whether t belongs to the closed task-type enum.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskImageEmbedding, TaskFaceDetection, TaskFaceEmbedding:
		return true
	default:
		return false
	}
}

// Status is a Job's position in the §4.1 state machine.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusSyncFailed  Status = "sync_failed"
)

// terminal reports whether a status has no further transitions, modulo
// the sync_failed -> completed re-entry path.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// legalTransitions enumerates the §4.1 state diagram. A transition not
// present here is a Conflict.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusError:       true,
	},
	StatusProcessing: {
		StatusCompleted:  true,
		StatusPending:    true, // soft retry
		StatusError:      true,
		StatusSyncFailed: true,
	},
	StatusSyncFailed: {
		StatusCompleted: true,
		StatusError:     true,
	},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Job is the durable unit of work described in §3.
type Job struct {
	JobID        string
	TaskType     TaskType
	MediaID      string
	Status       Status
	Priority     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	Result       []byte // tagged-variant JSON, shape depends on TaskType (§4.5, §9)
	CreatedBy    string
}

// QueueEntry binds a pending/processing job to the schedulable queue (§3).
type QueueEntry struct {
	EntryID     string
	JobID       string
	Priority    int
	EnqueuedAt  time.Time
	LeaseHolder string
	LeasedUntil *time.Time
}

// SyncState is the confirmation state of a completed job's result against
// the media-metadata collaborator.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

// SyncStatus tracks resync of a completed job's result (§3, optional).
type SyncStatus struct {
	JobID       string
	State       SyncState
	RetryCount  int
	NextRetryAt *time.Time
	LastError   string
}

// JobPatch restricts update_job mutations to the fields §4.1 allows.
type JobPatch struct {
	Status       *Status
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RetryCount   *int
	ErrorMessage *string
	Result       []byte
	ClearResult  bool
}

// Stats is the admin_stats() response (§4.8).
type Stats struct {
	CountByStatus map[Status]int64
	QueueDepth    int64
}

// CleanupFilter bounds admin_cleanup()'s bulk deletion (§4.8).
type CleanupFilter struct {
	OlderThan          time.Duration
	Status             []Status
	IncludeNonTerminal bool
}

// CleanupSummary reports the effect of admin_cleanup().
type CleanupSummary struct {
	DeletedJobs int64
}
