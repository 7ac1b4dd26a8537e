// SPDX-License-Identifier: MIT

package uploadqueue

import (
	"context"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
)

// Uploader sends a finished recording to the backend.
type Uploader interface {
	UploadVideo(ctx context.Context, v model.VideoUpload) error
}

// Repairer rewrites a concatenated live stream at src into a container with
// a correct duration header at dst.
type Repairer interface {
	Repair(ctx context.Context, src, dst string) error
}

// Archiver keeps an extra copy of a recording. Failures never fail the upload.
type Archiver interface {
	Name() string
	Archive(ctx context.Context, v model.VideoUpload) error
}
