// SPDX-License-Identifier: MIT

// Package model defines the persisted and in-memory records of the recording
// pipeline: chunks, per-video metadata and upload queue entries.
package model

import "time"

// Chunk is one compressed media segment as emitted by the encoder.
// Chunks are immutable once written; they are only ever deleted together with
// every other chunk of the same VideoID.
type Chunk struct {
	VideoID               string    `json:"video_id"`
	ChunkOrder            int       `json:"chunk_order"`
	PartID                int64     `json:"part_id"`
	PartName              string    `json:"part_name"`
	PartOrder             int       `json:"part_order"`
	PresentationID        int64     `json:"presentation_id"`
	PresentationStartID   string    `json:"presentation_start_id"`
	PresentationStartDate time.Time `json:"presentation_start_date"`
	StartedAt             time.Time `json:"started_at"`
	Size                  int       `json:"size"`

	// Data is the raw segment payload. Header-only scans leave it nil.
	Data []byte `json:"-"`
}

// IsFirstChunk reports whether the chunk opens the container (order 0).
func (c *Chunk) IsFirstChunk() bool {
	return c.ChunkOrder == 0
}

// Header returns a copy of the chunk without its payload.
func (c *Chunk) Header() Chunk {
	h := *c
	h.Data = nil
	return h
}

// VideoMetadata describes the encoder parameters of one recording.
type VideoMetadata struct {
	VideoID    string    `json:"video_id"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Codec      string    `json:"codec"`
	FrameRate  float64   `json:"frame_rate"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	CreatedAt  time.Time `json:"created_at"`
}
