// SPDX-License-Identifier: MIT

package uploadqueue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/log"
)

// spool concatenates sorted chunk payloads into a single file. The file only
// appears under its final name once every byte is synced.
func (m *Manager) spool(ctx context.Context, chunks []*model.Chunk) (string, int64, error) {
	if err := os.MkdirAll(m.spoolDir, 0o750); err != nil {
		return "", 0, fmt.Errorf("create spool dir: %w", err)
	}
	path := filepath.Join(m.spoolDir, uuid.NewString()+".live.webm")

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o640))
	if err != nil {
		return "", 0, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			log.FromContext(ctx).Debug().Err(err).Str(log.FieldPath, path).Msg("cleanup pending spool file")
		}
	}()

	var total int64
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		n, err := pending.Write(c.Data)
		if err != nil {
			return "", 0, fmt.Errorf("write chunk %d: %w", c.ChunkOrder, err)
		}
		total += int64(n)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", 0, fmt.Errorf("commit spool file: %w", err)
	}
	return path, total, nil
}

// repairedPath names the output of the container repair next to src.
func repairedPath(src string) string {
	dir, base := filepath.Split(src)
	return filepath.Join(dir, base[:len(base)-len(".live.webm")]+".webm")
}
