// SPDX-License-Identifier: MIT

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func asMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestVideoAttributes(t *testing.T) {
	got := asMap(VideoAttributes("10_2_2024-01-01T00:00:00Z", 10, "", 3))
	assert.Equal(t, map[string]any{
		VideoIDKey:        "10_2_2024-01-01T00:00:00Z",
		PresentationIDKey: int64(10),
		PartOrderKey:      int64(3),
	}, got)

	got = asMap(VideoAttributes("v", 1, "start-9", 0))
	assert.Equal(t, "start-9", got[PresentationStartIDKey])
}

func TestUploadAttributes(t *testing.T) {
	got := asMap(UploadAttributes(4, 2048, "success"))
	assert.Equal(t, int64(4), got[UploadChunksKey])
	assert.Equal(t, int64(2048), got[UploadBytesKey])
	assert.Equal(t, "success", got[UploadStatusKey])
}

func TestErrorAttributes(t *testing.T) {
	got := asMap(ErrorAttributes("missing_chunks"))
	assert.Equal(t, true, got[ErrorKey])
	assert.Equal(t, "missing_chunks", got[ErrorTypeKey])
}
