package resilience

import (
	"sort"
	"sync"
)

// MalformedTracker remembers pages of the active document that fail
// deterministically. A marked page stays marked until the document changes.
type MalformedTracker struct {
	mu         sync.RWMutex
	documentID string
	pages      map[int]struct{}
}

func NewMalformedTracker() *MalformedTracker {
	return &MalformedTracker{pages: make(map[int]struct{})}
}

// Reset forgets every page and switches to documentID
func (t *MalformedTracker) Reset(documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.documentID = documentID
	t.pages = make(map[int]struct{})
}

// Mark records page as malformed. Returns false if it was already marked.
func (t *MalformedTracker) Mark(page int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pages[page]; ok {
		return false
	}
	t.pages[page] = struct{}{}
	return true
}

func (t *MalformedTracker) IsMalformed(page int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.pages[page]
	return ok
}

// Pages returns the marked page indices in ascending order
func (t *MalformedTracker) Pages() []int {
	t.mu.RLock()
	pages := make([]int, 0, len(t.pages))
	for p := range t.pages {
		pages = append(pages, p)
	}
	t.mu.RUnlock()
	sort.Ints(pages)
	return pages
}

func (t *MalformedTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pages)
}

func (t *MalformedTracker) DocumentID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.documentID
}
