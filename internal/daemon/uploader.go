// SPDX-License-Identifier: MIT

package daemon

import (
	"context"

	"github.com/scriptglance/recorder/internal/domain/recordings/model"
)

// noBackend fails every upload while no backend URL is configured. Chunks
// stay in the store until a backend is set and the daemon restarted.
type noBackend struct{}

func (noBackend) UploadVideo(context.Context, model.VideoUpload) error {
	return &model.UploadError{Message: "No backend configured"}
}
