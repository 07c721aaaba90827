package throttler

import "time"

// consumption is one recorded acquisition against a single limit.
type consumption struct {
	seq    uint64
	at     time.Time
	weight int64
}

// windowStore keeps the sliding-window log of consumptions per limit ID.
// It is not safe for concurrent use; the owning Throttler serializes access.
type windowStore struct {
	nextSeq uint64
	windows map[string][]consumption
}

func newWindowStore() *windowStore {
	return &windowStore{windows: make(map[string][]consumption)}
}

// record appends a consumption and returns its sequence number so the
// owning permit can later remove exactly this entry.
func (s *windowStore) record(limitID string, at time.Time, weight int64) uint64 {
	s.nextSeq++
	s.windows[limitID] = append(s.windows[limitID], consumption{
		seq:    s.nextSeq,
		at:     at,
		weight: weight,
	})

	return s.nextSeq
}

// remove deletes the consumption with the given sequence number.
// It reports whether the entry was still present.
func (s *windowStore) remove(limitID string, seq uint64) bool {
	entries := s.windows[limitID]

	for i, e := range entries {
		if e.seq == seq {
			s.windows[limitID] = append(entries[:i], entries[i+1:]...)

			return true
		}
	}

	return false
}

// usage prunes entries older than cutoff and returns the summed weight of
// what remains in the window.
func (s *windowStore) usage(limitID string, cutoff time.Time) int64 {
	entries := s.windows[limitID]
	valid := entries[:0]

	var total int64

	for _, e := range entries {
		if e.at.After(cutoff) {
			valid = append(valid, e)
			total += e.weight
		}
	}

	s.windows[limitID] = valid

	return total
}

// oldest returns the timestamp of the earliest in-window entry.
func (s *windowStore) oldest(limitID string, cutoff time.Time) (time.Time, bool) {
	var (
		found  bool
		oldest time.Time
	)

	for _, e := range s.windows[limitID] {
		if !e.at.After(cutoff) {
			continue
		}

		if !found || e.at.Before(oldest) {
			oldest = e.at
			found = true
		}
	}

	return oldest, found
}
