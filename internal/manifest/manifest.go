package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Group is a processor group. Remote stages fetch data, local stages derive it.
type Group string

const (
	GroupRemote Group = "remote"
	GroupLocal  Group = "local"
)

// UnitKind identifies how a stage's unit of work is dispatched
type UnitKind int

const (
	UnitNone UnitKind = iota
	UnitInline
	UnitOffload
)

// String returns a human-readable representation of the unit kind
func (k UnitKind) String() string {
	switch k {
	case UnitNone:
		return "none"
	case UnitInline:
		return "inline"
	case UnitOffload:
		return "offload"
	default:
		return "unknown"
	}
}

// Unit is the work performed by a stage. Concrete units live in the
// processor package; the registry only needs to know how to dispatch them.
type Unit interface {
	Kind() UnitKind
}

// Stage is an immutable descriptor of one versioned unit of sync work
type Stage struct {
	Group        Group
	Name         string
	Version      int
	Depends      []string
	ErrorBackoff time.Duration

	// Streams lists the stream types requested by a remote stage.
	Streams []string

	Unit Unit
}

// Qualifier returns the key used for this stage in an activity's sync state
func (s *Stage) Qualifier() string {
	return Qualifier(s.Group, s.Name)
}

// Qualifier builds a sync state key from a group and stage name
func Qualifier(group Group, name string) string {
	return string(group) + "/" + name
}

// Standard errors
var (
	ErrDuplicateStage    = errors.New("manifest: duplicate stage")
	ErrUnknownDependency = errors.New("manifest: unknown dependency")
	ErrSealed            = errors.New("manifest: registry is sealed")
	ErrInvalidStage      = errors.New("manifest: invalid stage")
)

// Registry is the process-wide catalog of stages. It is populated at startup
// and sealed before the first sync job runs.
type Registry struct {
	mu     sync.RWMutex
	groups map[Group][]*Stage
	byKey  map[string]*Stage
	sealed bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[Group][]*Stage),
		byKey:  make(map[string]*Stage),
	}
}

// Register adds a stage. Dependencies must name stages already registered in
// the same group, so declaration order is always a valid execution order.
func (r *Registry) Register(stage Stage) error {
	if stage.Name == "" {
		return fmt.Errorf("%w: name must be specified", ErrInvalidStage)
	}
	if stage.Group != GroupRemote && stage.Group != GroupLocal {
		return fmt.Errorf("%w: unsupported group %q for %s", ErrInvalidStage, stage.Group, stage.Name)
	}
	if stage.Version <= 0 {
		return fmt.Errorf("%w: version must be positive, got %d", ErrInvalidStage, stage.Version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrSealed
	}

	key := stage.Qualifier()
	if _, exists := r.byKey[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, key)
	}

	for _, dep := range stage.Depends {
		if _, ok := r.byKey[Qualifier(stage.Group, dep)]; !ok {
			return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, key, dep)
		}
	}

	s := stage
	s.Depends = append([]string(nil), stage.Depends...)
	s.Streams = append([]string(nil), stage.Streams...)

	r.groups[s.Group] = append(r.groups[s.Group], &s)
	r.byKey[key] = &s
	return nil
}

// Seal makes the registry read-only
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Stage looks up a stage by group and name
func (r *Registry) Stage(group Group, name string) (*Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byKey[Qualifier(group, name)]
	return s, ok
}

// Stages returns the stages of a group in declaration order
func (r *Registry) Stages(group Group) []*Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Stage, len(r.groups[group]))
	copy(out, r.groups[group])
	return out
}

// VersionHash digests the full stage set. Adding a stage or bumping any
// version changes the hash.
func (r *Registry) VersionHash() string {
	r.mu.RLock()
	tags := make([]string, 0, len(r.byKey))
	for _, s := range r.byKey {
		tags = append(tags, fmt.Sprintf("%s-%s-v%d", s.Group, s.Name, s.Version))
	}
	r.mu.RUnlock()

	sort.Strings(tags)
	// Marshalling a []string cannot fail.
	b, _ := json.Marshal(tags)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NextEligible returns the first stage of the group, in declaration order,
// that is not current, has all dependencies current, and is outside its
// error backoff window. It returns nil when nothing can run.
//
// This is the only place eligibility is decided.
func (r *Registry) NextEligible(states States, group Group, now time.Time) *Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.groups[group] {
		if states.IsCurrent(s) {
			continue
		}
		if !r.depsCurrent(states, s) {
			continue
		}
		if states.InBackoff(s, now) {
			continue
		}
		return s
	}
	return nil
}

// IsComplete reports whether every stage of the group is current
func (r *Registry) IsComplete(states States, group Group) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.groups[group] {
		if !states.IsCurrent(s) {
			return false
		}
	}
	return true
}

// HasErrors reports whether any stage of the group holds an error
func (r *Registry) HasErrors(states States, group Group) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.groups[group] {
		if states.HasError(s) {
			return true
		}
	}
	return false
}

func (r *Registry) depsCurrent(states States, s *Stage) bool {
	for _, dep := range s.Depends {
		d := r.byKey[Qualifier(s.Group, dep)]
		if d == nil || !states.IsCurrent(d) {
			return false
		}
	}
	return true
}
