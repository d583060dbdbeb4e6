package state

// BoundedSet is an insertion-ordered set of identifiers holding at most
// Capacity entries. Adding past capacity evicts the oldest entry. Re-adding an
// existing identifier does not refresh its position.
//
// BoundedSet is not safe for concurrent use; Tracker guards it.
type BoundedSet struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

// NewBoundedSet creates an empty set. A non-positive capacity means 1.
func NewBoundedSet(capacity int) *BoundedSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &BoundedSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

// Add inserts id and reports whether it was newly added.
func (s *BoundedSet) Add(id string) bool {
	if _, ok := s.members[id]; ok {
		return false
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	return true
}

// Contains reports whether id is in the set.
func (s *BoundedSet) Contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Len returns the number of identifiers held.
func (s *BoundedSet) Len() int {
	return len(s.order)
}

// Items returns a copy of the identifiers, oldest first.
func (s *BoundedSet) Items() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
