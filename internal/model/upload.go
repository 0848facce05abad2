package model

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus is the state of an upload task.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploading UploadStatus = "uploading"
	UploadRetrying  UploadStatus = "retrying"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// Terminal reports whether no further transitions follow the status.
func (s UploadStatus) Terminal() bool {
	return s == UploadCompleted || s == UploadFailed
}

// UploadEvent is emitted on every state transition of an upload task.
type UploadEvent struct {
	TaskID      uuid.UUID     `json:"task_id"`
	Key         string        `json:"key"`
	Status      UploadStatus  `json:"status"`
	Attempt     int           `json:"attempt"`
	NextRetryIn time.Duration `json:"next_retry_in,omitempty"`
	URL         string        `json:"url,omitempty"` // set on completion
	Err         error         `json:"-"`             // set on failure
}

// QueueStatus is a snapshot of the upload queue.
type QueueStatus struct {
	Total     int  `json:"total"`
	Pending   int  `json:"pending"`
	Uploading int  `json:"uploading"`
	Retrying  int  `json:"retrying"`
	Paused    bool `json:"paused"`
}
