package upload

import (
	"sync"
	"time"

	"github.com/rescale/safedrop/internal/events"
)

// Entry is a point-in-time view of one file occurrence.
// Index is the occurrence's position in the submitted batch and is the
// entry's identity: duplicate names are tracked separately.
type Entry struct {
	Index    int    `json:"index" yaml:"index"`
	Name     string `json:"name" yaml:"name"`
	Size     int64  `json:"size" yaml:"size"`
	Status   Status `json:"status" yaml:"status"`
	Progress int    `json:"progress" yaml:"progress"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
	Err      error  `json:"-" yaml:"-"`
}

type trackedEntry struct {
	mu sync.Mutex
	e  Entry
}

// Tracker holds per-file status and progress for one batch.
// Each entry has its own lock, so concurrent writers on different entries
// never contend and updates to one entry are serialized.
type Tracker struct {
	batchID string
	entries []*trackedEntry
	bus     *events.EventBus
}

// NewTracker creates a tracker with every entry Pending at 0%.
// bus may be nil.
func NewTracker(batchID string, files []FileItem, bus *events.EventBus) *Tracker {
	t := &Tracker{
		batchID: batchID,
		entries: make([]*trackedEntry, len(files)),
		bus:     bus,
	}
	for i, f := range files {
		t.entries[i] = &trackedEntry{e: Entry{Index: i, Name: f.Name, Size: f.Size}}
	}
	return t
}

// Len returns the number of entries.
func (t *Tracker) Len() int { return len(t.entries) }

func (t *Tracker) entry(id int) *trackedEntry {
	if id < 0 || id >= len(t.entries) {
		return nil
	}
	return t.entries[id]
}

// SetStatus moves entry id to s. It returns false if id is unknown or the
// transition would move backwards or leave a terminal status.
// Success also pins progress at 100.
func (t *Tracker) SetStatus(id int, s Status) bool {
	return t.transition(id, s, nil)
}

// Fail moves entry id to Error and records err.
func (t *Tracker) Fail(id int, err error) bool {
	return t.transition(id, StatusError, err)
}

func (t *Tracker) transition(id int, s Status, err error) bool {
	te := t.entry(id)
	if te == nil {
		return false
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if !canTransition(te.e.Status, s) {
		return false
	}
	te.e.Status = s
	if s == StatusSuccess {
		te.e.Progress = 100
	}
	if err != nil {
		te.e.Err = err
		te.e.Error = err.Error()
	}

	t.bus.Publish(&events.FileStatusEvent{
		BaseEvent: t.base(events.EventFileStatus),
		Index:     te.e.Index,
		Name:      te.e.Name,
		Size:      te.e.Size,
		Status:    s.String(),
		Error:     te.e.Error,
	})
	return true
}

// SetProgress records percent for an Uploading entry. Values are clamped to
// [0,100]; a value lower than the current one is dropped so observed
// progress never decreases.
func (t *Tracker) SetProgress(id int, percent int) bool {
	te := t.entry(id)
	if te == nil {
		return false
	}

	percent = max(0, min(100, percent))

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.e.Status != StatusUploading || percent <= te.e.Progress {
		return false
	}
	te.e.Progress = percent

	t.bus.Publish(&events.FileProgressEvent{
		BaseEvent: t.base(events.EventFileProgress),
		Index:     te.e.Index,
		Name:      te.e.Name,
		Percent:   percent,
	})
	return true
}

// Get returns a copy of entry id.
func (t *Tracker) Get(id int) (Entry, bool) {
	te := t.entry(id)
	if te == nil {
		return Entry{}, false
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.e, true
}

// Snapshot returns copies of all entries in batch order.
func (t *Tracker) Snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	for i, te := range t.entries {
		te.mu.Lock()
		out[i] = te.e
		te.mu.Unlock()
	}
	return out
}

// Counts tallies entries by status.
func (t *Tracker) Counts() map[Status]int {
	counts := make(map[Status]int, len(statusNames))
	for _, e := range t.Snapshot() {
		counts[e.Status]++
	}
	return counts
}

func (t *Tracker) base(typ events.EventType) events.BaseEvent {
	return events.BaseEvent{EventType: typ, Time: time.Now(), BatchID: t.batchID}
}
