package queue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle of a queue item.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusUploading   Status = "uploading"
	StatusProcessing  Status = "processing"
	StatusReady       Status = "ready"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusMissingFile Status = "missing_file"
)

// InterruptedReason is set when an in-flight upload could not have survived a
// process restart.
const InterruptedReason = "Upload interrupted by restart"

// MissingFileReason is set when the blob store no longer holds the item's
// bytes. This is a local condition, never attributed to the server.
const MissingFileReason = "Stored file is no longer available; reselect it to retry"

// ServerFailureReason is the fallback message when the server reports failure
// without a reason of its own.
const ServerFailureReason = "Processing failed on the server"

var allStatuses = []Status{
	StatusQueued,
	StatusUploading,
	StatusProcessing,
	StatusReady,
	StatusFailed,
	StatusInterrupted,
	StatusMissingFile,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var failureStatuses = map[Status]struct{}{
	StatusFailed:      {},
	StatusInterrupted: {},
	StatusMissingFile: {},
}

// Item represents one user-submitted file's lifecycle record. File bytes live
// in the blob store under BlobKey; the queue row only carries metadata.
type Item struct {
	ID              string
	FileName        string
	FileSize        int64
	MimeType        string
	FileModifiedAt  time.Time
	BlobKey         string
	Status          Status
	UploadProgress  float64
	StageProgress   float64
	CurrentStage    string
	RemoteID        string
	MonitorEndpoint string
	ErrorMessage    string
	Attempts        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FileMeta describes a file being enqueued.
type FileMeta struct {
	Name       string
	Size       int64
	MimeType   string
	ModifiedAt time.Time
}

// NewItem builds a queued item with a fresh identifier. The item owns its
// blob key for the rest of its life.
func NewItem(meta FileMeta) *Item {
	now := time.Now().UTC()
	id := uuid.NewString()
	return &Item{
		ID:             id,
		FileName:       meta.Name,
		FileSize:       meta.Size,
		MimeType:       meta.MimeType,
		FileModifiedAt: meta.ModifiedAt,
		BlobKey:        id,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether the status ends the item's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// IsFailure reports whether the status belongs to the failure family
// (excluded from aggregate progress, retryable by the user).
func (s Status) IsFailure() bool {
	_, ok := failureStatuses[s]
	return ok
}

// BeginUpload transitions the item into uploading, counting the attempt.
func (i *Item) BeginUpload() {
	i.Status = StatusUploading
	i.Attempts++
	i.UploadProgress = 0
	i.ErrorMessage = ""
}

// BeginProcessing records the server-assigned identity after a successful
// upload and hands monitoring over to the status channels.
func (i *Item) BeginProcessing(remoteID, monitorEndpoint string) {
	i.Status = StatusProcessing
	i.UploadProgress = 100
	i.RemoteID = remoteID
	i.MonitorEndpoint = monitorEndpoint
	i.CurrentStage = ""
	i.StageProgress = 0
}

// SetReady marks server-side processing complete.
func (i *Item) SetReady() {
	i.Status = StatusReady
	i.StageProgress = 100
	i.ErrorMessage = ""
}

// SetFailed marks the item as failed with the given error message.
func (i *Item) SetFailed(message string) {
	if strings.TrimSpace(message) == "" {
		message = ServerFailureReason
	}
	i.Status = StatusFailed
	i.ErrorMessage = message
}

// SetInterrupted marks an upload that died with the process.
func (i *Item) SetInterrupted() {
	i.Status = StatusInterrupted
	i.ErrorMessage = InterruptedReason
}

// SetMissingFile marks the item's bytes as lost from local storage.
func (i *Item) SetMissingFile() {
	i.Status = StatusMissingFile
	i.ErrorMessage = MissingFileReason
}

// ResetForRetry returns a failure-family item to the queue, preserving the
// blob key so the original bytes are reused.
func (i *Item) ResetForRetry() {
	i.Status = StatusQueued
	i.UploadProgress = 0
	i.StageProgress = 0
	i.CurrentStage = ""
	i.ErrorMessage = ""
}
