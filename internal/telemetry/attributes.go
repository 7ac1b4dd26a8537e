// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans across the agent.
const (
	VideoIDKey             = "recording.video_id"
	PresentationIDKey      = "recording.presentation_id"
	PresentationStartIDKey = "recording.presentation_start_id"
	PartOrderKey           = "recording.part_order"

	UploadChunksKey = "upload.chunks"
	UploadBytesKey  = "upload.bytes"
	UploadStatusKey = "upload.status"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// VideoAttributes identify the recording a span works on.
func VideoAttributes(videoID string, presentationID int64, presentationStartID string, partOrder int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(VideoIDKey, videoID),
		attribute.Int64(PresentationIDKey, presentationID),
		attribute.Int(PartOrderKey, partOrder),
	}
	if presentationStartID != "" {
		attrs = append(attrs, attribute.String(PresentationStartIDKey, presentationStartID))
	}
	return attrs
}

// UploadAttributes describe the payload of one upload attempt.
func UploadAttributes(chunks int, bytes int64, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(UploadChunksKey, chunks),
		attribute.Int64(UploadBytesKey, bytes),
		attribute.String(UploadStatusKey, status),
	}
}

// ErrorAttributes mark a span as failed with a coarse error class.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
