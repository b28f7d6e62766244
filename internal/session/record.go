package session

import "bytes"

// ArchivedStatesMax bounds the previous states kept on a Record.
const ArchivedStatesMax = 40

// Record is the current session state with a device plus the archived
// states that may still decrypt late messages.
type Record struct {
	current  *State
	previous []*State
	fresh    bool
}

// NewRecord returns a record holding one empty state.
func NewRecord() *Record {
	return &Record{current: NewState(), fresh: true}
}

// Current returns the active state. Mutations are visible to the record.
func (r *Record) Current() *State { return r.current }

// SetState replaces the active state.
func (r *Record) SetState(s *State) {
	r.current = s
	r.fresh = false
}

// IsFresh reports whether the record was created rather than loaded.
func (r *Record) IsFresh() bool { return r.fresh }

// PreviousStates returns the archived states, most recent first.
func (r *Record) PreviousStates() []*State { return r.previous }

// ArchiveCurrentState moves the active state to the front of the archive
// and starts over with an empty one.
func (r *Record) ArchiveCurrentState() {
	r.PromoteState(NewState())
}

// PromoteState makes s active, archiving the current state.
func (r *Record) PromoteState(s *State) {
	r.previous = append([]*State{r.current}, r.previous...)
	r.current = s
	r.fresh = false
	if len(r.previous) > ArchivedStatesMax {
		r.previous = r.previous[:ArchivedStatesMax]
	}
}

// HasSessionState reports whether the current or any archived state was
// established with this version and Alice base key.
func (r *Record) HasSessionState(version uint32, aliceBaseKey []byte) bool {
	if matchesBaseKey(r.current, version, aliceBaseKey) {
		return true
	}
	for _, s := range r.previous {
		if matchesBaseKey(s, version, aliceBaseKey) {
			return true
		}
	}
	return false
}

func matchesBaseKey(s *State, version uint32, aliceBaseKey []byte) bool {
	return s.SessionVersion() == version && len(s.aliceBaseKey) > 0 && bytes.Equal(s.aliceBaseKey, aliceBaseKey)
}

// Equal compares current and archived states.
func (r *Record) Equal(o *Record) bool {
	if !r.current.Equal(o.current) || len(r.previous) != len(o.previous) {
		return false
	}
	for i := range r.previous {
		if !r.previous[i].Equal(o.previous[i]) {
			return false
		}
	}
	return true
}
