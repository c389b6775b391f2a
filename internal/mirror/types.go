package mirror

import (
	"sort"
	"time"
)

// SchemaVersion is stamped on every persisted snapshot. A stored snapshot with
// any other value is discarded on read.
const SchemaVersion = "1.0.0"

// DependencyType is the kind of asset a path was registered as.
type DependencyType string

const (
	DependencyScript DependencyType = "script"
	DependencyStyle  DependencyType = "style"

	// DependencyEmojiDir marks the emoji sprite directory, which is resolved by
	// presence of a known sprite instead of by content comparison.
	DependencyEmojiDir DependencyType = "emoji_svg_url"
)

type ActivePath struct {
	RemotePath string
	TTL        time.Time

	// Integrity is empty when hashing was disabled or the strategy does not
	// verify content (emoji directory).
	Integrity string
}

type InactivePath struct {
	TTL time.Time
}

type QueuedPath struct {
	Src    string
	Handle string
	Type   DependencyType
	TTL    time.Time
}

// Snapshot is the whole persisted resolution cache. A key lives in at most
// one of the three maps.
type Snapshot struct {
	SchemaVersion string
	Active        map[string]ActivePath
	Inactive      map[string]InactivePath
	Queue         map[string]QueuedPath
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		SchemaVersion: SchemaVersion,
		Active:        map[string]ActivePath{},
		Inactive:      map[string]InactivePath{},
		Queue:         map[string]QueuedPath{},
	}
}

// normalize fills nil maps left behind by decoding an older or partial blob.
func (s *Snapshot) normalize() {
	if s.Active == nil {
		s.Active = map[string]ActivePath{}
	}
	if s.Inactive == nil {
		s.Inactive = map[string]InactivePath{}
	}
	if s.Queue == nil {
		s.Queue = map[string]QueuedPath{}
	}
}

func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot()
	out.SchemaVersion = s.SchemaVersion
	for k, v := range s.Active {
		out.Active[k] = v
	}
	for k, v := range s.Inactive {
		out.Inactive[k] = v
	}
	for k, v := range s.Queue {
		out.Queue[k] = v
	}
	return out
}

func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.SchemaVersion != o.SchemaVersion ||
		len(s.Active) != len(o.Active) ||
		len(s.Inactive) != len(o.Inactive) ||
		len(s.Queue) != len(o.Queue) {
		return false
	}
	for k, v := range s.Active {
		w, ok := o.Active[k]
		if !ok || w.RemotePath != v.RemotePath || !w.TTL.Equal(v.TTL) || w.Integrity != v.Integrity {
			return false
		}
	}
	for k, v := range s.Inactive {
		w, ok := o.Inactive[k]
		if !ok || !w.TTL.Equal(v.TTL) {
			return false
		}
	}
	for k, v := range s.Queue {
		w, ok := o.Queue[k]
		if !ok || w.Src != v.Src || w.Handle != v.Handle || w.Type != v.Type || !w.TTL.Equal(v.TTL) {
			return false
		}
	}
	return true
}

// Empty reports whether no path is stored in any state.
func (s *Snapshot) Empty() bool {
	return len(s.Active) == 0 && len(s.Inactive) == 0 && len(s.Queue) == 0
}

// QueueKeys returns queued paths oldest first. Queue TTLs are stamped at
// enqueue time, so ordering by TTL preserves arrival order.
func (s *Snapshot) QueueKeys() []string {
	keys := make([]string, 0, len(s.Queue))
	for k := range s.Queue {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.Queue[keys[i]].TTL, s.Queue[keys[j]].TTL
		if !a.Equal(b) {
			return a.Before(b)
		}
		return keys[i] < keys[j]
	})
	return keys
}

// remove deletes key from every state and reports whether anything changed.
func (s *Snapshot) remove(key string) bool {
	_, a := s.Active[key]
	_, i := s.Inactive[key]
	_, q := s.Queue[key]
	delete(s.Active, key)
	delete(s.Inactive, key)
	delete(s.Queue, key)
	return a || i || q
}
