// SPDX-License-Identifier: MIT

// Package chunkstore persists recorded media segments and per-video metadata
// so that recordings survive restarts until they are uploaded.
package chunkstore

import (
	"context"
	"fmt"
	"iter"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
)

// Store is the durable chunk store.
//
// Invariants:
//   - Chunks are keyed by (VideoID, ChunkOrder) and never updated after the
//     capture session wrote them; only DeleteVideo removes them.
//   - Every write is a single transaction: a chunk is either fully visible
//     or absent, never truncated.
//   - Every error returned wraps model.ErrStorage.
type Store interface {
	// Put upserts a chunk keyed by (VideoID, ChunkOrder).
	Put(ctx context.Context, c *model.Chunk) error
	// PutMetadata upserts the metadata record of a video.
	PutMetadata(ctx context.Context, m *model.VideoMetadata) error
	// GetMetadata returns the metadata record, or (nil, nil) if absent.
	GetMetadata(ctx context.Context, videoID string) (*model.VideoMetadata, error)
	// IterateByVideoID yields every chunk of a video including payload. Each
	// range opens a fresh read, so the sequence may be consumed repeatedly.
	// Callers must not rely on the yield order; sort by ChunkOrder.
	IterateByVideoID(ctx context.Context, videoID string) iter.Seq2[*model.Chunk, error]
	// ScanHeaders yields every stored chunk without payload.
	ScanHeaders(ctx context.Context) iter.Seq2[*model.Chunk, error]
	// LastChunkOrder returns the highest stored order for a video.
	LastChunkOrder(ctx context.Context, videoID string) (order int, found bool, err error)
	// CountDistinctVideoIDs counts videos of a presentation with at least one chunk.
	CountDistinctVideoIDs(ctx context.Context, presentationID int64) (int, error)
	// DeleteVideo removes every chunk and the metadata of a video atomically.
	DeleteVideo(ctx context.Context, videoID string) error
	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error
	Close() error
}

// Verifier is implemented by backends that can check on-disk consistency.
type Verifier interface {
	Verify(ctx context.Context) ([]string, error)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", model.ErrStorage, op, err)
}

func validateChunk(c *model.Chunk) error {
	if c == nil {
		return fmt.Errorf("nil chunk")
	}
	if c.VideoID == "" {
		return fmt.Errorf("chunk without video id")
	}
	if c.ChunkOrder < 0 {
		return fmt.Errorf("negative chunk order %d", c.ChunkOrder)
	}
	return nil
}

// Collect drains a chunk sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*model.Chunk, error]) ([]*model.Chunk, error) {
	var out []*model.Chunk
	for c, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
