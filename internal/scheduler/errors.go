package scheduler

import "errors"

// errBlobMissing distinguishes a locally lost blob from a transport failure.
// It is raised here, before any request is attempted, never by the client.
var errBlobMissing = errors.New("blob missing from local store")
