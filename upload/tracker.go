package upload

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type eventTracker interface {
	Enqueue(eventName string, properties ...analytics.Properties)
	Wait()
}

// TrackerListener reports run milestones as analytics events.
type TrackerListener struct {
	tracker eventTracker
}

// NewTrackerListener ...
func NewTrackerListener(envRepo env.Repository, logger log.Logger) *TrackerListener {
	p := analytics.Properties{
		"build_slug": envRepo.Get("BITRISE_BUILD_SLUG"),
		"app_slug":   envRepo.Get("BITRISE_APP_SLUG"),
		"workflow":   envRepo.Get("BITRISE_TRIGGERED_WORKFLOW_ID"),
	}
	return &TrackerListener{tracker: analytics.NewDefaultTracker(logger, p)}
}

// OnEvent ...
func (t *TrackerListener) OnEvent(e Event) {
	switch e.Type {
	case EventSessionCreated, EventSessionResumed:
		t.tracker.Enqueue("tusupload_session_started", analytics.Properties{
			"run_id":     e.RunID,
			"resumed":    e.Type == EventSessionResumed,
			"size_bytes": e.Total,
		})
	case EventSessionReaped:
		t.tracker.Enqueue("tusupload_session_reaped", analytics.Properties{
			"run_id":       e.RunID,
			"offset_bytes": e.Offset,
			"size_bytes":   e.Total,
		})
	case EventFinished:
		properties := analytics.Properties{
			"run_id":            e.RunID,
			"success":           e.Err == nil,
			"state":             string(e.State),
			"size_bytes":        e.Total,
			"run_time_s":        e.Took.Seconds(),
			"resumed":           e.Resumed,
			"chunks":            e.Chunks,
			"transferred_bytes": e.Transferred,
			"transfer_time_s":   e.TransferTook.Seconds(),
			"throughput_bps":    e.Throughput,
		}
		if e.Err != nil {
			properties["error"] = e.Err.Error()
		}
		t.tracker.Enqueue("tusupload_finished", properties)
	}
}

// Wait blocks until the queued events are sent.
func (t *TrackerListener) Wait() {
	t.tracker.Wait()
}
