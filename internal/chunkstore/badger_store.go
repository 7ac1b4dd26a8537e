// SPDX-License-Identifier: MIT

package chunkstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"iter"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
)

// BadgerStore keeps chunks in a badger LSM tree.
//
// Key layout:
//   - c/<videoID>\x00<order:be32>  chunk header (JSON)
//   - d/<videoID>\x00<order:be32>  chunk payload (raw bytes)
//   - m/<videoID>                  video metadata (JSON)
//   - p/<presentationID>\x00<videoID>  presentation index (empty value)
//
// Big-endian orders make a prefix scan yield chunks in ascending order.
type BadgerStore struct {
	db *badger.DB
}

var (
	prefixHeader = []byte("c/")
	prefixData   = []byte("d/")
	prefixMeta   = []byte("m/")
	prefixPres   = []byte("p/")
)

var errStopIteration = errors.New("iteration stopped")

// OpenBadgerStore opens (or creates) a badger database at path. Writes are
// synced so a committed chunk survives a crash.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageErr("open badger", err)
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemoryBadgerStore opens a non-persistent badger instance.
func OpenInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageErr("open badger", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return storageErr("close badger", s.db.Close())
}

func videoPrefix(prefix []byte, videoID string) []byte {
	k := make([]byte, 0, len(prefix)+len(videoID)+1)
	k = append(k, prefix...)
	k = append(k, videoID...)
	return append(k, 0)
}

func orderKey(prefix []byte, videoID string, order int) []byte {
	k := videoPrefix(prefix, videoID)
	return binary.BigEndian.AppendUint32(k, uint32(order))
}

func metaKey(videoID string) []byte {
	return append(append([]byte{}, prefixMeta...), videoID...)
}

func presPrefix(presentationID int64) []byte {
	k := append([]byte{}, prefixPres...)
	k = strconv.AppendInt(k, presentationID, 10)
	return append(k, 0)
}

func presKey(presentationID int64, videoID string) []byte {
	return append(presPrefix(presentationID), videoID...)
}

func (s *BadgerStore) Put(ctx context.Context, c *model.Chunk) error {
	if err := validateChunk(c); err != nil {
		return storageErr("put chunk", err)
	}
	if err := ctx.Err(); err != nil {
		return storageErr("put chunk", err)
	}
	header := c.Header()
	header.Size = len(c.Data)
	buf, err := json.Marshal(header)
	if err != nil {
		return storageErr("put chunk", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(orderKey(prefixHeader, c.VideoID, c.ChunkOrder), buf); err != nil {
			return err
		}
		data := c.Data
		if data == nil {
			data = []byte{}
		}
		if err := txn.Set(orderKey(prefixData, c.VideoID, c.ChunkOrder), data); err != nil {
			return err
		}
		return txn.Set(presKey(c.PresentationID, c.VideoID), nil)
	})
	return storageErr("put chunk", err)
}

func (s *BadgerStore) PutMetadata(ctx context.Context, m *model.VideoMetadata) error {
	if m == nil || m.VideoID == "" {
		return storageErr("put metadata", errors.New("metadata without video id"))
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return storageErr("put metadata", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(m.VideoID), buf)
	})
	return storageErr("put metadata", err)
}

func (s *BadgerStore) GetMetadata(ctx context.Context, videoID string) (*model.VideoMetadata, error) {
	var out model.VideoMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(videoID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get metadata", err)
	}
	return &out, nil
}

func decodeHeader(item *badger.Item) (*model.Chunk, error) {
	var c model.Chunk
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BadgerStore) IterateByVideoID(ctx context.Context, videoID string) iter.Seq2[*model.Chunk, error] {
	return s.iterateHeaders(ctx, videoPrefix(prefixHeader, videoID), true, "iterate chunks")
}

func (s *BadgerStore) ScanHeaders(ctx context.Context) iter.Seq2[*model.Chunk, error] {
	return s.iterateHeaders(ctx, prefixHeader, false, "scan headers")
}

func (s *BadgerStore) iterateHeaders(ctx context.Context, prefix []byte, withData bool, op string) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				item := it.Item()
				c, err := decodeHeader(item)
				if err != nil {
					return err
				}
				if withData {
					dataKey := append(append([]byte{}, prefixData...), item.Key()[len(prefixHeader):]...)
					dataItem, err := txn.Get(dataKey)
					if err != nil {
						return err
					}
					if c.Data, err = dataItem.ValueCopy(nil); err != nil {
						return err
					}
				}
				if !yield(c, nil) {
					return errStopIteration
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			yield(nil, storageErr(op, err))
		}
	}
}

func (s *BadgerStore) LastChunkOrder(ctx context.Context, videoID string) (int, bool, error) {
	prefix := videoPrefix(prefixHeader, videoID)
	var (
		order int
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		key := it.Item().Key()
		order = int(binary.BigEndian.Uint32(key[len(prefix):]))
		found = true
		return nil
	})
	if err != nil {
		return 0, false, storageErr("last chunk order", err)
	}
	return order, found, nil
}

func (s *BadgerStore) CountDistinctVideoIDs(ctx context.Context, presentationID int64) (int, error) {
	prefix := presPrefix(presentationID)
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("count videos", err)
	}
	return count, nil
}

// DeleteVideo removes headers, payloads, metadata and index entries in one
// transaction. Videos too large for a single transaction fail with
// badger.ErrTxnTooBig and stay fully intact.
func (s *BadgerStore) DeleteVideo(ctx context.Context, videoID string) error {
	if err := ctx.Err(); err != nil {
		return storageErr("delete video", err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		presentations := make(map[int64]struct{})

		headerPrefix := videoPrefix(prefixHeader, videoID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = headerPrefix
		it := txn.NewIterator(opts)
		for it.Seek(headerPrefix); it.ValidForPrefix(headerPrefix); it.Next() {
			item := it.Item()
			c, err := decodeHeader(item)
			if err != nil {
				it.Close()
				return err
			}
			presentations[c.PresentationID] = struct{}{}
			hk := item.KeyCopy(nil)
			keys = append(keys, hk)
			keys = append(keys, append(append([]byte{}, prefixData...), hk[len(prefixHeader):]...))
		}
		it.Close()

		keys = append(keys, metaKey(videoID))
		if ident, err := model.ParseVideoID(videoID); err == nil {
			presentations[ident.PresentationID] = struct{}{}
		}
		for pid := range presentations {
			keys = append(keys, presKey(pid, videoID))
		}

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("delete video", err)
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return storageErr("ping", errClosed)
	}
	return storageErr("ping", s.db.View(func(txn *badger.Txn) error { return nil }))
}

// Verify checks the checksums of every table in the LSM tree.
func (s *BadgerStore) Verify(ctx context.Context) ([]string, error) {
	if err := s.db.VerifyChecksum(); err != nil {
		return []string{err.Error()}, nil
	}
	return nil, nil
}
