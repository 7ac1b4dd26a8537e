// SPDX-License-Identifier: MIT

package chunkstore

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
)

var errClosed = errors.New("store closed")

// MemoryStore implements Store with maps. It is safe for concurrent use and
// copies chunks in and out so callers never share payload slices.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]map[int]*model.Chunk
	meta   map[string]*model.VideoMetadata
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks: make(map[string]map[int]*model.Chunk),
		meta:   make(map[string]*model.VideoMetadata),
	}
}

func cloneChunk(c *model.Chunk, withData bool) *model.Chunk {
	out := c.Header()
	if withData && c.Data != nil {
		out.Data = slices.Clone(c.Data)
	}
	return &out
}

func (s *MemoryStore) Put(ctx context.Context, c *model.Chunk) error {
	if err := validateChunk(c); err != nil {
		return storageErr("put chunk", err)
	}
	if err := ctx.Err(); err != nil {
		return storageErr("put chunk", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storageErr("put chunk", errClosed)
	}
	byOrder, ok := s.chunks[c.VideoID]
	if !ok {
		byOrder = make(map[int]*model.Chunk)
		s.chunks[c.VideoID] = byOrder
	}
	stored := cloneChunk(c, true)
	stored.Size = len(c.Data)
	byOrder[c.ChunkOrder] = stored
	return nil
}

func (s *MemoryStore) PutMetadata(ctx context.Context, m *model.VideoMetadata) error {
	if m == nil || m.VideoID == "" {
		return storageErr("put metadata", errors.New("metadata without video id"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storageErr("put metadata", errClosed)
	}
	clone := *m
	s.meta[m.VideoID] = &clone
	return nil
}

func (s *MemoryStore) GetMetadata(ctx context.Context, videoID string) (*model.VideoMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storageErr("get metadata", errClosed)
	}
	m, ok := s.meta[videoID]
	if !ok {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

func (s *MemoryStore) snapshot(videoID string, withData bool) ([]*model.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	var ids []string
	if videoID != "" {
		ids = []string{videoID}
	} else {
		for id := range s.chunks {
			ids = append(ids, id)
		}
		slices.Sort(ids)
	}
	var out []*model.Chunk
	for _, id := range ids {
		byOrder := s.chunks[id]
		orders := make([]int, 0, len(byOrder))
		for o := range byOrder {
			orders = append(orders, o)
		}
		slices.Sort(orders)
		for _, o := range orders {
			out = append(out, cloneChunk(byOrder[o], withData))
		}
	}
	return out, nil
}

func (s *MemoryStore) IterateByVideoID(ctx context.Context, videoID string) iter.Seq2[*model.Chunk, error] {
	return s.iterate(ctx, videoID, true, "iterate chunks")
}

func (s *MemoryStore) ScanHeaders(ctx context.Context) iter.Seq2[*model.Chunk, error] {
	return s.iterate(ctx, "", false, "scan headers")
}

func (s *MemoryStore) iterate(ctx context.Context, videoID string, withData bool, op string) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		chunks, err := s.snapshot(videoID, withData)
		if err != nil {
			yield(nil, storageErr(op, err))
			return
		}
		for _, c := range chunks {
			if err := ctx.Err(); err != nil {
				yield(nil, storageErr(op, err))
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) LastChunkOrder(ctx context.Context, videoID string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, storageErr("last chunk order", errClosed)
	}
	byOrder := s.chunks[videoID]
	if len(byOrder) == 0 {
		return 0, false, nil
	}
	last := -1
	for o := range byOrder {
		last = max(last, o)
	}
	return last, true, nil
}

func (s *MemoryStore) CountDistinctVideoIDs(ctx context.Context, presentationID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storageErr("count videos", errClosed)
	}
	count := 0
	for _, byOrder := range s.chunks {
		for _, c := range byOrder {
			if c.PresentationID == presentationID {
				count++
			}
			break
		}
	}
	return count, nil
}

func (s *MemoryStore) DeleteVideo(ctx context.Context, videoID string) error {
	if err := ctx.Err(); err != nil {
		return storageErr("delete video", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storageErr("delete video", errClosed)
	}
	delete(s.chunks, videoID)
	delete(s.meta, videoID)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storageErr("ping", errClosed)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.chunks = nil
	s.meta = nil
	s.mu.Unlock()
	return nil
}
