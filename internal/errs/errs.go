// Package errs defines common error variables used across the application.
package errs

import "errors"

var (
	// ErrServiceClosed indicates that the service is closed and cannot accept new jobs.
	ErrServiceClosed = errors.New("service is closed")
	// ErrInvalidRequestBody indicates that the request body is invalid or cannot be parsed.
	ErrInvalidRequestBody = errors.New("invalid request body")
)

// Submission errors. These are the only errors returned synchronously to a caller of Submit.
var (
	// ErrInvalidURL indicates that the URL field in the request is invalid.
	ErrInvalidURL = errors.New("invalid url field")
	// ErrToolNotReady indicates that the transfer tool binary is not present at its expected path.
	ErrToolNotReady = errors.New("transfer tool is not ready")
	// ErrCookieFileNotFound indicates that the configured cookie file does not exist.
	ErrCookieFileNotFound = errors.New("cookie file not found")
	// ErrInvalidOptions indicates job options that cannot be honored, such as a
	// custom name that leaves the output directory.
	ErrInvalidOptions = errors.New("invalid job options")
)

// Job and storage errors.
var (
	// ErrJobNotFound indicates that the job is not found in storage.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobIDEmpty indicates that the job ID is empty.
	ErrJobIDEmpty = errors.New("job_id is empty")
	// ErrJobAlreadyExists indicates that a job with the same ID is already stored.
	ErrJobAlreadyExists = errors.New("job already exists")
	// ErrJobCanceled indicates that the job was canceled.
	ErrJobCanceled = errors.New("job canceled")
	// ErrJobTerminal indicates a write to a job that already reached a terminal status.
	ErrJobTerminal = errors.New("job is in a terminal status")
	// ErrInvalidTransition indicates a status change the job state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Downloader errors.
var (
	// ErrLookupFailed indicates that the metadata lookup failed or returned nothing usable.
	ErrLookupFailed = errors.New("metadata lookup failed")
	// ErrExpansionFailed indicates that a playlist yielded zero entries.
	ErrExpansionFailed = errors.New("playlist expansion failed")
	// ErrLaunchFailed indicates that the external process could not be started.
	ErrLaunchFailed = errors.New("process launch failed")
	// ErrProcessCanceled indicates that the external process was killed because its context ended.
	ErrProcessCanceled = errors.New("process canceled")
	// ErrTransferFailed indicates that the tool exited without producing a usable file.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrBinaryNotFound indicates that the required binary was not found.
	ErrBinaryNotFound = errors.New("binary not found")
	// ErrUnsupportedPlatform indicates that the current platform is not supported.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// History errors.
var (
	// ErrSchemaMismatch indicates the history database schema version doesn't match the expected version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)
