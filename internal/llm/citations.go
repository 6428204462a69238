package llm

import "sync"

// CitationSet is an insertion-ordered set of citation strings. Membership
// is exact string equality. Safe for concurrent use.
type CitationSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	items []string
}

func NewCitationSet() *CitationSet {
	return &CitationSet{seen: make(map[string]struct{})}
}

// Add inserts citations not already present and returns how many were new.
func (s *CitationSet) Add(citations ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, c := range citations {
		if c == "" {
			continue
		}
		if _, ok := s.seen[c]; ok {
			continue
		}
		s.seen[c] = struct{}{}
		s.items = append(s.items, c)
		added++
	}
	return added
}

func (s *CitationSet) Contains(citation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[citation]
	return ok
}

func (s *CitationSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// List returns a copy of the citations in insertion order. It never
// returns nil so the done payload always encodes as an array.
func (s *CitationSet) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}
