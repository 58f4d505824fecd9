package job

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Counts is an aggregate view of the registry.
type Counts struct {
	Waiting int
	Active  int
	Total   int
}

// Registry is the single owner of all job records. Every read and write goes
// through one mutex; nothing under it performs I/O.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*Record
	seq      map[string]uint64
	next     uint64
	pending  admissionQueue
	active   int
	onUpdate func(Snapshot)
	now      func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		seq:     make(map[string]uint64),
		now:     time.Now,
	}
}

// SetUpdateCallback installs fn to receive a copy of every record change.
// fn runs with the registry locked, in mutation order, and must not block.
func (r *Registry) SetUpdateCallback(fn func(Snapshot)) {
	r.mu.Lock()
	r.onUpdate = fn
	r.mu.Unlock()
}

func (r *Registry) notifyLocked(rec *Record) {
	if r.onUpdate != nil {
		r.onUpdate(rec.Snapshot())
	}
}

// Register creates a waiting record and returns its id. The job is not
// queued; see Admit.
func (r *Registry) Register(p Params) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(p).ID
}

func (r *Registry) registerLocked(p Params) *Record {
	id := uuid.NewString()
	for r.records[id] != nil {
		id = uuid.NewString()
	}
	rec := &Record{
		ID:      id,
		Params:  p,
		Status:  StatusWaiting,
		Message: "Waiting in queue",
		AddedAt: r.now(),
	}
	r.records[id] = rec
	r.next++
	r.seq[id] = r.next
	return rec
}

// Admit registers a job, appends it to the pending order and recomputes
// positions in one step, so no observer sees a waiting job without a rank.
func (r *Registry) Admit(p Params) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.registerLocked(p)
	r.pending.push(rec.ID)
	r.recomputeLocked()
	return rec.Snapshot()
}

// Get returns a snapshot of the record.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.Snapshot(), true
}

// Record returns a copy of the full record.
func (r *Registry) Record(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Observe runs fn with the current snapshot of id while holding the lock,
// so that no update can be published between the read and whatever fn does.
func (r *Registry) Observe(id string, fn func(Snapshot)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	fn(rec.Snapshot())
	return true
}

// Update merges d into the record. Unknown ids and transitions that would
// move the record backwards are ignored.
func (r *Registry) Update(id string, d Delta) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || !r.applyLocked(rec, d) {
		return Snapshot{}, false
	}
	if rec.Status != StatusWaiting && r.pending.remove(id) {
		r.recomputeLocked()
	}
	return rec.Snapshot(), true
}

func (r *Registry) applyLocked(rec *Record, d Delta) bool {
	prev := rec.Status
	if !rec.apply(d, r.now()) {
		return false
	}
	if prev != StatusActive && rec.Status == StatusActive {
		r.active++
	}
	if prev == StatusActive && rec.Status != StatusActive {
		r.active--
	}
	r.notifyLocked(rec)
	return true
}

// Remove deletes the record. It is idempotent and reports whether a record
// was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) bool {
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	if rec.Status == StatusActive {
		r.active--
	}
	delete(r.records, id)
	delete(r.seq, id)
	if r.pending.remove(id) {
		r.recomputeLocked()
	}
	return true
}

// RemoveIf deletes the record only if keep returns false for its current
// state. It returns the state seen and whether the record existed.
func (r *Registry) RemoveIf(id string, keep func(Record) bool) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	seen := *rec
	if !keep(seen) {
		r.removeLocked(id)
	}
	return seen, true
}

// SnapshotAll returns copies of every record in submission order.
func (r *Registry) SnapshotAll() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.seq[out[i].ID] < r.seq[out[j].ID]
	})
	return out
}

// Counts returns waiting, active and total record counts.
func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Counts{
		Waiting: r.pending.len(),
		Active:  r.active,
		Total:   len(r.records),
	}
}

// FailWaiting fails every job still in the pending order with message and
// returns their ids.
func (r *Registry) FailWaiting(message string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := append([]string(nil), r.pending.ids...)
	r.pending.ids = nil
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			r.applyLocked(rec, failedDelta(message))
		}
	}
	return ids
}
