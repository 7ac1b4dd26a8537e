// SPDX-License-Identifier: MIT

package daemon

import (
	"github.com/scriptglance/recorder/internal/capture"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
	"github.com/scriptglance/recorder/internal/notify"
	"github.com/scriptglance/recorder/internal/recorder"
)

// recorderCallbacks publishes lifecycle events and pokes the queue refresher
// whenever a recording ends so the new video shows up as pending.
func recorderCallbacks(bus *notify.Bus, refresh func()) recorder.Callbacks {
	return recorder.Callbacks{
		OnStateChange: func(_, to capture.State) {
			bus.Publish(notify.Event{Kind: notify.KindRecordingState, State: string(to)})
		},
		OnStarted: func(videoID string) {
			bus.Publish(notify.Event{Kind: notify.KindRecordingStarted, VideoID: videoID})
		},
		OnChunk: func(c model.Chunk) {
			h := c.Header()
			bus.Publish(notify.Event{Kind: notify.KindChunkStored, VideoID: c.VideoID, Chunk: &h})
		},
		OnError: func(err error) {
			bus.Publish(notify.Event{Kind: notify.KindError, Message: model.UserMessage(err)})
			refresh()
		},
		OnAutoStoppedByDuration: func(videoID string) {
			bus.Publish(notify.Event{
				Kind:    notify.KindRecordingAutoStopped,
				VideoID: videoID,
				Reason:  string(capture.StopMaxDuration),
			})
			refresh()
		},
		OnRecordingStopped: func(videoID string, reason capture.StopReason) {
			bus.Publish(notify.Event{Kind: notify.KindRecordingStopped, VideoID: videoID, Reason: string(reason)})
			refresh()
		},
	}
}

func uploadStatusPublisher(bus *notify.Bus) func(model.UploadingVideo) {
	return func(e model.UploadingVideo) {
		bus.Publish(notify.Event{
			Kind:    notify.KindUploadStatus,
			VideoID: e.VideoID,
			State:   string(e.Status),
			Message: e.Error,
			Upload:  &e,
		})
	}
}
