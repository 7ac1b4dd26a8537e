// SPDX-License-Identifier: MIT

package model

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaAcquisition signals a missing camera/microphone or a denied permission.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrStorage signals an unavailable store, exhausted quota or aborted transaction.
	ErrStorage = errors.New("chunk storage failure")
	// ErrMissingChunks signals an upload attempt for a video without stored chunks.
	ErrMissingChunks = errors.New("no chunks stored for video")
	// ErrUpload is the class of every backend or network upload failure.
	ErrUpload = errors.New("upload failed")
	// ErrUploadInFlight is returned when a video is already being uploaded.
	ErrUploadInFlight = errors.New("upload already in flight")
	// ErrMissingMetadata signals chunks whose metadata record was never written.
	ErrMissingMetadata = errors.New("no metadata stored for video")
	// ErrRecordingActive is returned for the video the capture session is
	// still writing.
	ErrRecordingActive = errors.New("video is still being recorded")
	// ErrCleanup signals an uploaded video whose chunks could not be removed.
	ErrCleanup = errors.New("uploaded video not removed from local storage")
)

// DefaultUploadErrorMessage is shown when the backend gives no usable message.
const DefaultUploadErrorMessage = "Failed to upload video"

// UploadError carries the backend's answer for a failed upload.
type UploadError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *UploadError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = DefaultUploadErrorMessage
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("upload failed (status %d): %s", e.StatusCode, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("upload failed: %s: %v", msg, e.Err)
	}
	return "upload failed: " + msg
}

func (e *UploadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpload, e.Err}
	}
	return []error{ErrUpload}
}

// UserMessage returns the human-readable text stored on a queue entry.
func UserMessage(err error) string {
	var upErr *UploadError
	if errors.As(err, &upErr) && upErr.Message != "" {
		return upErr.Message
	}
	switch {
	case errors.Is(err, ErrMissingChunks):
		return "Recording has no stored chunks"
	case errors.Is(err, ErrMissingMetadata):
		return "Recording metadata is missing"
	case errors.Is(err, ErrRecordingActive):
		return "Recording is still in progress"
	case errors.Is(err, ErrCleanup):
		return "Uploaded, but local chunks could not be removed"
	case errors.Is(err, ErrStorage):
		return "Local recording storage is unavailable"
	case errors.Is(err, ErrUpload):
		return DefaultUploadErrorMessage
	case err != nil:
		return err.Error()
	}
	return ""
}
