package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// State is the phase an upload run is in.
type State string

// Runs go Idle -> Negotiating -> Transferring -> Polling -> Done, and can fail
// from any state.
const (
	StateIdle         State = "idle"
	StateNegotiating  State = "negotiating"
	StateTransferring State = "transferring"
	StatePolling      State = "polling"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// EventType ...
type EventType string

// Event types.
const (
	EventStateChanged   EventType = "state_changed"
	EventSessionCreated EventType = "session_created"
	EventSessionResumed EventType = "session_resumed"
	EventChunkWritten   EventType = "chunk_written"
	EventSessionReaped  EventType = "session_reaped"
	EventFinished       EventType = "finished"
)

// Event describes something that happened during a run. Fields that don't apply
// to the event type are left empty.
type Event struct {
	RunID      string
	Type       EventType
	State      State
	Source     string
	SessionURL string
	Offset     int64
	Total      int64
	// Took is the duration of the chunk write for EventChunkWritten and of the
	// whole run for EventFinished.
	Took      time.Duration
	Average   time.Duration
	Recovered bool
	Resumed   bool
	ID        string
	Err       error
	// Transfer totals of the run, set on EventFinished.
	Chunks       int64
	Transferred  int64
	TransferTook time.Duration
	Throughput   float64
}

// Listener receives the events of a run. Calls are made on the goroutine running
// the upload.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc ...
type ListenerFunc func(Event)

// OnEvent ...
func (f ListenerFunc) OnEvent(e Event) {
	f(e)
}

// Listeners fans events out in order.
type Listeners []Listener

// OnEvent ...
func (ls Listeners) OnEvent(e Event) {
	for _, l := range ls {
		if l != nil {
			l.OnEvent(e)
		}
	}
}

type logListener struct {
	logger log.Logger
}

// NewLogListener prints run progress to the logger.
func NewLogListener(logger log.Logger) Listener {
	return logListener{logger: logger}
}

func (l logListener) OnEvent(e Event) {
	switch e.Type {
	case EventStateChanged:
		l.logger.Debugf("[%s] %s: %s", e.RunID, e.Source, e.State)
	case EventSessionCreated:
		l.logger.Printf("Upload session: %s", e.SessionURL)
	case EventSessionResumed:
		l.logger.Printf("Resuming upload session: %s", e.SessionURL)
	case EventChunkWritten:
		percent := 100.0
		if e.Total > 0 {
			percent = float64(e.Offset) * 100 / float64(e.Total)
		}
		l.logger.Printf("Uploaded %s of %s (%.1f%%) [chunk=%s] [avg=%s]",
			units.HumanSize(float64(e.Offset)), units.HumanSize(float64(e.Total)), percent,
			e.Took.Round(time.Millisecond), e.Average.Round(time.Millisecond))
	case EventSessionReaped:
		l.logger.Warnf("Upload session deleted: %s", e.SessionURL)
	case EventFinished:
		if e.Err != nil {
			l.logger.Errorf("Upload of %s failed: %s", e.Source, e.Err)
			return
		}
		if e.Chunks > 0 {
			l.logger.Printf("Sent %s in %d chunks (%s/s)",
				units.HumanSize(float64(e.Transferred)), e.Chunks, units.HumanSize(e.Throughput))
		}
		l.logger.Donef("Uploaded %s in %s, id: %s", e.Source, e.Took.Round(time.Second), e.ID)
	}
}
