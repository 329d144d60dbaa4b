package ipc

// EnqueueRequest submits files by absolute path. The daemon reads the bytes
// itself so the blob write and queue insert happen under its scheduler.
type EnqueueRequest struct {
	Paths []string `json:"paths"`
}

// EnqueuedItem identifies one accepted file.
type EnqueuedItem struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
}

// EnqueueResponse lists accepted items in submission order.
type EnqueueResponse struct {
	Items []EnqueuedItem `json:"items"`
}

// RetryRequest requeues a failure-family item by full id.
type RetryRequest struct {
	ID string `json:"id"`
}

// RetryResponse reports the item's status after the retry attempt.
type RetryResponse struct {
	Status string `json:"status"`
}

// RemoveRequest deletes an item by full id.
type RemoveRequest struct {
	ID string `json:"id"`
}

// RemoveResponse reports whether a row was deleted.
type RemoveResponse struct {
	Removed bool `json:"removed"`
}

// ClearRequest removes items wholesale. FailedOnly restricts the sweep to
// the failure family.
type ClearRequest struct {
	FailedOnly bool `json:"failed_only"`
}

// ClearResponse reports the number of removed entries.
type ClearResponse struct {
	Removed int64 `json:"removed"`
}
