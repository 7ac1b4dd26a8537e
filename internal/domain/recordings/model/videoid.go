// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NewVideoID derives the recording identity from the presentation, the part and
// the session start. The same inputs always yield the same ID so that a
// recording resumed after a restart keeps appending to the same chunk group.
func NewVideoID(presentationID, partID int64, presentationStartDate time.Time) string {
	return fmt.Sprintf("%d_%d_%s", presentationID, partID, presentationStartDate.UTC().Format(time.RFC3339))
}

// VideoIdentity is the decoded form of a video ID.
type VideoIdentity struct {
	PresentationID        int64
	PartID                int64
	PresentationStartDate time.Time
}

// ParseVideoID reverses NewVideoID.
func ParseVideoID(id string) (VideoIdentity, error) {
	parts := strings.SplitN(id, "_", 3)
	if len(parts) != 3 {
		return VideoIdentity{}, fmt.Errorf("invalid video id %q: expected 3 segments", id)
	}
	pres, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return VideoIdentity{}, fmt.Errorf("invalid video id %q: presentation: %w", id, err)
	}
	part, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return VideoIdentity{}, fmt.Errorf("invalid video id %q: part: %w", id, err)
	}
	start, err := time.Parse(time.RFC3339, parts[2])
	if err != nil {
		return VideoIdentity{}, fmt.Errorf("invalid video id %q: start date: %w", id, err)
	}
	return VideoIdentity{PresentationID: pres, PartID: part, PresentationStartDate: start}, nil
}
