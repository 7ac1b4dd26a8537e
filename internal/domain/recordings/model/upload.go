// SPDX-License-Identifier: MIT

package model

import "time"

// UploadStatus is the lifecycle state of a queue entry.
// JSON values are lower-case to match API conventions.
type UploadStatus string

const (
	StatusPending   UploadStatus = "pending"
	StatusUploading UploadStatus = "uploading"
	StatusSuccess   UploadStatus = "success"
	StatusError     UploadStatus = "error"
)

// Retryable reports whether UploadAll picks the entry up.
func (s UploadStatus) Retryable() bool {
	return s == StatusPending || s == StatusError
}

// UploadingVideo is an upload queue entry. It is a cache derived from stored
// chunks and can be rebuilt at any time.
type UploadingVideo struct {
	VideoID             string       `json:"video_id"`
	PresentationID      int64        `json:"presentation_id"`
	PartName            string       `json:"part_name"`
	PartOrder           int          `json:"part_order"`
	StartedAt           time.Time    `json:"started_at"`
	PresentationStartID string       `json:"presentation_start_id"`
	Status              UploadStatus `json:"status"`
	Error               string       `json:"error,omitempty"`
}

// NewUploadingVideo builds a pending entry from a chunk's denormalized fields.
func NewUploadingVideo(c *Chunk) UploadingVideo {
	return UploadingVideo{
		VideoID:             c.VideoID,
		PresentationID:      c.PresentationID,
		PartName:            c.PartName,
		PartOrder:           c.PartOrder,
		StartedAt:           c.StartedAt,
		PresentationStartID: c.PresentationStartID,
		Status:              StatusPending,
	}
}

// VideoUpload is one finished recording handed to the backend. Path points
// at the repaired container on local disk.
type VideoUpload struct {
	VideoID             string
	PresentationID      int64
	PartName            string
	PartOrder           int
	StartDate           time.Time
	PresentationStartID string
	Path                string
	Size                int64
}

// UploadFor builds the backend payload of an entry.
func (v UploadingVideo) UploadFor(path string, size int64) VideoUpload {
	return VideoUpload{
		VideoID:             v.VideoID,
		PresentationID:      v.PresentationID,
		PartName:            v.PartName,
		PartOrder:           v.PartOrder,
		StartDate:           v.StartedAt,
		PresentationStartID: v.PresentationStartID,
		Path:                path,
		Size:                size,
	}
}
