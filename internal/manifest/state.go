package manifest

import "time"

// Outcome distinguishes a stage that produced data from one that had nothing to do
type Outcome string

const (
	OutcomeNone          Outcome = ""
	OutcomeOK            Outcome = "ok"
	OutcomeNotApplicable Outcome = "not-applicable"
)

// SyncState is the per-activity record for one stage
type SyncState struct {
	Version      int       `json:"version,omitempty"`
	Outcome      Outcome   `json:"outcome,omitempty"`
	ErrorCount   int       `json:"error_count,omitempty"`
	ErrorTime    time.Time `json:"error_time,omitzero"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// States maps stage qualifiers to sync state. A nil States reads as empty.
type States map[string]SyncState

// Get returns the state for a stage
func (st States) Get(s *Stage) (SyncState, bool) {
	v, ok := st[s.Qualifier()]
	return v, ok
}

// IsCurrent reports whether the recorded version meets the declared one.
// A not-applicable outcome at the declared version is also current.
func (st States) IsCurrent(s *Stage) bool {
	v, ok := st[s.Qualifier()]
	if !ok {
		return false
	}
	return v.Version >= s.Version
}

// IsNotApplicable reports whether the current outcome is the "nothing to do" sentinel
func (st States) IsNotApplicable(s *Stage) bool {
	v, ok := st[s.Qualifier()]
	return ok && v.Version >= s.Version && v.Outcome == OutcomeNotApplicable
}

// HasError reports whether the stage failed since it was last current
func (st States) HasError(s *Stage) bool {
	v, ok := st[s.Qualifier()]
	return ok && v.ErrorCount > 0 && v.Version < s.Version
}

// InBackoff reports whether a failed stage is still suppressed.
// The window grows linearly with the number of failures.
func (st States) InBackoff(s *Stage, now time.Time) bool {
	v, ok := st[s.Qualifier()]
	if !ok || v.ErrorCount == 0 {
		return false
	}
	window := time.Duration(v.ErrorCount) * s.ErrorBackoff
	return now.Sub(v.ErrorTime) < window
}

// SetSuccess marks the stage current with data
func (st States) SetSuccess(s *Stage) {
	st[s.Qualifier()] = SyncState{Version: s.Version, Outcome: OutcomeOK}
}

// SetNotApplicable marks the stage current with nothing to do
func (st States) SetNotApplicable(s *Stage) {
	st[s.Qualifier()] = SyncState{Version: s.Version, Outcome: OutcomeNotApplicable}
}

// SetError records a failure while keeping the last good version
func (st States) SetError(s *Stage, msg string, now time.Time) {
	v := st[s.Qualifier()]
	v.ErrorCount++
	v.ErrorTime = now
	v.ErrorMessage = msg
	st[s.Qualifier()] = v
}

// Clear forgets everything about the stage
func (st States) Clear(s *Stage) {
	delete(st, s.Qualifier())
}

// ClearGroup forgets every stage in the group
func (st States) ClearGroup(group Group) {
	prefix := string(group) + "/"
	for k := range st {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(st, k)
		}
	}
}

// Clone returns an independent copy
func (st States) Clone() States {
	out := make(States, len(st))
	for k, v := range st {
		out[k] = v
	}
	return out
}
