package job

import "errors"

var (
	// ErrNotFound is returned for ids that were never issued or were already reclaimed.
	ErrNotFound = errors.New("job not found")
	// ErrUnknownFormat rejects a submission whose format id is not among the resolved formats.
	ErrUnknownFormat = errors.New("requested format is not available")
	// ErrInvalidParams rejects a submission with missing or malformed parameters.
	ErrInvalidParams = errors.New("invalid job parameters")
	// ErrJobActive is returned when cancelling a job that is already running.
	ErrJobActive = errors.New("job is already running")
	// ErrSizeLimit marks a job whose resolved payload exceeds the configured ceiling.
	ErrSizeLimit = errors.New("file size limit exceeded")
	// ErrArtifactMissing marks a run that reported success without leaving a file behind.
	ErrArtifactMissing = errors.New("downloaded file not found")
	// ErrShuttingDown rejects submissions once the manager has been stopped.
	ErrShuttingDown = errors.New("service is shutting down")
)
