package job

// admissionQueue keeps pending job ids in submission order. It has no lock of
// its own: every method runs under Registry.mu.
type admissionQueue struct {
	ids []string
}

func (q *admissionQueue) push(id string) bool {
	for _, existing := range q.ids {
		if existing == id {
			return false
		}
	}
	q.ids = append(q.ids, id)
	return true
}

func (q *admissionQueue) head() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	return q.ids[0], true
}

func (q *admissionQueue) remove(id string) bool {
	for i, existing := range q.ids {
		if existing == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (q *admissionQueue) len() int {
	return len(q.ids)
}

// Enqueue appends a waiting job to the tail of the pending order and
// refreshes positions. Unknown, non-waiting or already queued ids are ignored.
func (r *Registry) Enqueue(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.Status != StatusWaiting {
		return
	}
	if r.pending.push(id) {
		r.recomputeLocked()
	}
}

// NextEligible returns the oldest pending job id.
func (r *Registry) NextEligible() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.head()
}

// MarkDispatched drops id from the pending order. The record itself stays.
func (r *Registry) MarkDispatched(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending.remove(id) {
		r.recomputeLocked()
	}
}

// RecomputePositions writes position = index+1 into every pending record.
func (r *Registry) RecomputePositions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputeLocked()
}

func (r *Registry) recomputeLocked() {
	for i, id := range r.pending.ids {
		rec, ok := r.records[id]
		if !ok || rec.Position == i+1 {
			continue
		}
		rec.Position = i + 1
		r.notifyLocked(rec)
	}
}

// Dispatch promotes the oldest pending job to active if fewer than max jobs
// are active. Capacity check, promotion and position bookkeeping happen
// atomically.
func (r *Registry) Dispatch(max int, message string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active >= max {
		return Snapshot{}, false
	}
	for {
		id, ok := r.pending.head()
		if !ok {
			return Snapshot{}, false
		}
		r.pending.remove(id)
		rec, ok := r.records[id]
		if !ok || !r.applyLocked(rec, activeDelta(message)) {
			continue
		}
		r.recomputeLocked()
		return rec.Snapshot(), true
	}
}
