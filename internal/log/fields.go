// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID           = "request_id"
	FieldVideoID             = "video_id"
	FieldPresentationID      = "presentation_id"
	FieldPresentationStartID = "presentation_start_id"
	FieldPartID              = "part_id"
	FieldChunkOrder          = "chunk_order"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldReason    = "reason"

	// Media fields
	FieldCodec      = "codec"
	FieldResolution = "resolution"
	FieldFPS        = "fps"
	FieldDevice     = "device"
	FieldBytes      = "bytes"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldStatus   = "status"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
)
