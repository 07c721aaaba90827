package throttler

// permitEntry points at one consumption recorded for this permit.
type permitEntry struct {
	limitID string
	seq     uint64
}

// Permit represents a granted unit of quota consumption. A permit is
// consumed by default; Release returns the recorded consumption when the
// guarded operation never materialized (for example the connection closed
// before the send). Release is valid at most once.
type Permit struct {
	id        string
	throttler *Throttler
	entries   []permitEntry
	released  bool
}

// ID returns the permit's unique identifier.
func (p *Permit) ID() string {
	return p.id
}

// Release returns the permit's consumption to the window so it no longer
// counts against the limits. Calling Release twice is a programming error
// and yields an InvalidUsageError.
func (p *Permit) Release() error {
	if p.throttler == nil {
		// Permit granted for a request matching no limits; releasing it
		// only has to guard against double release.
		if p.released {
			return &InvalidUsageError{PermitID: p.id, Reason: "permit already released"}
		}

		p.released = true

		return nil
	}

	return p.throttler.release(p)
}
