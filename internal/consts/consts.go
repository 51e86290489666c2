// Package consts defines application-wide constants.
package consts

import "time"

const (
	// DefaultHandlerTimeout is the default timeout for HTTP handlers.
	DefaultHandlerTimeout = 30 * time.Second
	// DefaultSubscriberBuffer is the channel buffer of a job event subscriber.
	DefaultSubscriberBuffer = 64
	// DefaultHistoryLimit is the default number of history rows returned.
	DefaultHistoryLimit = 50
)

// Job insertion positions in the queue.
const (
	// InsertFront places new jobs at the head of the queue (newest first).
	InsertFront = "front"
	// InsertBack places new jobs at the tail of the queue.
	InsertBack = "back"
)

// Labels shown in place of a transfer rate.
const (
	// PhaseProcessing is shown while the tool merges or post-processes the output.
	PhaseProcessing = "processing"
	// PhaseAlreadyDownloaded is shown when the tool reports the file exists already.
	PhaseAlreadyDownloaded = "already downloaded"
)

// HTTP response messages.
const (
	// RespInvalidRequestBody is returned when the request body is invalid.
	RespInvalidRequestBody = "invalid request body"
	// RespQueryParamMissing is returned when a required query parameter is missing or invalid.
	RespQueryParamMissing = "query param missing or invalid"
	// RespUnprocessableEntity is returned when the request cannot be processed.
	RespUnprocessableEntity = "unprocessable entity"
	// RespJobSubmitted is returned when a job is successfully submitted.
	RespJobSubmitted = "job submitted"
	// RespJobSubmitFail is returned when a job cannot be submitted.
	RespJobSubmitFail = "job submit failed"
	// RespPlaylistSubmitted is returned when a playlist was expanded into jobs.
	RespPlaylistSubmitted = "playlist submitted"
	// RespPlaylistSubmitFail is returned when a playlist cannot be expanded.
	RespPlaylistSubmitFail = "playlist submit failed"
	// RespToolNotReady is returned when the transfer tool is missing.
	RespToolNotReady = "transfer tool not ready"
	// RespJobRetrieved is returned when a job is successfully retrieved.
	RespJobRetrieved = "job retrieved"
	// RespJobsRetrieved is returned when jobs are successfully retrieved.
	RespJobsRetrieved = "jobs retrieved"
	// RespJobNotFound is returned when a job is not found.
	RespJobNotFound = "job not found"
	// RespJobCanceled is returned when a cancel request was accepted.
	RespJobCanceled = "job cancel requested"
	// RespJobsCanceled is returned when cancel-all was accepted.
	RespJobsCanceled = "jobs cancel requested"
	// RespStatsRetrieved is returned with aggregate queue statistics.
	RespStatsRetrieved = "stats retrieved"
	// RespHistoryRetrieved is returned with job history rows.
	RespHistoryRetrieved = "history retrieved"
	// RespHistoryFail is returned when history cannot be read.
	RespHistoryFail = "get history failed"
	// RespReady is returned by the readiness probe.
	RespReady = "ready"
)
