// Package navigation tracks the current slide and fragment of the active deck.
package navigation

import (
	"fmt"
	"sync"

	"github.com/ashureev/livedeck/internal/domain"
)

// Machine owns the NavigationState. All transitions are validated against the
// deck the machine was last reset with.
type Machine struct {
	mu    sync.RWMutex
	deck  *domain.Deck
	state domain.NavigationState
}

// NewMachine creates a machine positioned at (0,0) of d.
func NewMachine(d *domain.Deck) *Machine {
	return &Machine{deck: d}
}

// Next advances one fragment, crossing to the next slide when needed.
// At the last position it is a no-op and changed is false.
func (m *Machine) Next() (domain.NavigationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state
	switch {
	case s.FragmentIndex < m.deck.LastFragmentOf(s.SlideIndex):
		s.FragmentIndex++
	case s.SlideIndex < m.deck.Len()-1:
		s = domain.NavigationState{SlideIndex: s.SlideIndex + 1}
	default:
		return s, false
	}
	m.state = s
	return s, true
}

// Prev steps back one fragment. Entering the previous slide lands on its last
// fragment so no content is skipped.
func (m *Machine) Prev() (domain.NavigationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state
	switch {
	case s.FragmentIndex > 0:
		s.FragmentIndex--
	case s.SlideIndex > 0:
		s.SlideIndex--
		s.FragmentIndex = m.deck.LastFragmentOf(s.SlideIndex)
	default:
		return s, false
	}
	m.state = s
	return s, true
}

// GotoSlide jumps to fragment 0 of slide index.
func (m *Machine) GotoSlide(index int) (domain.NavigationState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= m.deck.Len() {
		return m.state, false, fmt.Errorf("%w: %d not in [0,%d)", domain.ErrOutOfRange, index, m.deck.Len())
	}
	s := domain.NavigationState{SlideIndex: index}
	changed := s != m.state
	m.state = s
	return s, changed, nil
}

// Current returns a snapshot of the state.
func (m *Machine) Current() domain.NavigationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reset binds the machine to a replacement deck at (0,0).
func (m *Machine) Reset(d *domain.Deck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deck = d
	m.state = domain.NavigationState{}
}
