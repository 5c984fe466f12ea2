// Package domain contains core domain types for the livedeck runtime.
package domain

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DeckID identifies one load of a deck. A reload always yields a new ID.
type DeckID string

// CodeBlockID is the stable identity of a code block: a hash of its slide
// index and its position within the slide.
type CodeBlockID string

// NewCodeBlockID derives the identity of the block at position pos on slide.
func NewCodeBlockID(slide, pos int) CodeBlockID {
	h := xxhash.Sum64String(strconv.Itoa(slide) + ":" + strconv.Itoa(pos))
	return CodeBlockID(fmt.Sprintf("cb_%016x", h))
}

// Fragment is a progressive-reveal step within a slide.
type Fragment struct {
	Ordinal int    `json:"ordinal"`
	Content string `json:"content,omitempty"`
}

// CodeBlock is an executable snippet attached to a slide.
type CodeBlock struct {
	ID       CodeBlockID `json:"id"`
	Slide    int         `json:"slide"`
	Position int         `json:"position"`
	Language string      `json:"language"`
	Source   string      `json:"source"`
}

// Slide is an ordered list of fragments plus the code blocks it carries.
type Slide struct {
	Index      int         `json:"index"`
	Title      string      `json:"title,omitempty"`
	Fragments  []Fragment  `json:"fragments"`
	CodeBlocks []CodeBlock `json:"code_blocks,omitempty"`
}

// LastFragment returns the highest addressable fragment index.
// A slide without fragments still has the implicit fragment 0.
func (s Slide) LastFragment() int {
	if len(s.Fragments) == 0 {
		return 0
	}
	return len(s.Fragments) - 1
}

// Deck is an immutable, non-empty sequence of slides.
// Callers must not modify a Deck after NewDeck returns it.
type Deck struct {
	ID     DeckID  `json:"id"`
	Title  string  `json:"title,omitempty"`
	Slides []Slide `json:"slides"`

	blocks map[CodeBlockID]CodeBlock
}

// NewDeck validates slides and builds the code block index.
// Slide indices, fragment ordinals and code block identities are assigned here.
func NewDeck(id DeckID, title string, slides []Slide) (*Deck, error) {
	if len(slides) == 0 {
		return nil, fmt.Errorf("%w: deck has no slides", ErrInvalidDeck)
	}

	d := &Deck{
		ID:     id,
		Title:  title,
		Slides: make([]Slide, len(slides)),
		blocks: make(map[CodeBlockID]CodeBlock),
	}
	for i, s := range slides {
		s.Index = i

		frags := make([]Fragment, len(s.Fragments))
		for j, f := range s.Fragments {
			f.Ordinal = j
			frags[j] = f
		}
		s.Fragments = frags

		blocks := make([]CodeBlock, len(s.CodeBlocks))
		for j, b := range s.CodeBlocks {
			if b.Language == "" {
				return nil, fmt.Errorf("%w: slide %d code block %d has no language", ErrInvalidDeck, i, j)
			}
			b.Slide = i
			b.Position = j
			b.ID = NewCodeBlockID(i, j)
			blocks[j] = b
			d.blocks[b.ID] = b
		}
		s.CodeBlocks = blocks

		d.Slides[i] = s
	}
	return d, nil
}

// Len returns the number of slides.
func (d *Deck) Len() int {
	return len(d.Slides)
}

// LastFragmentOf returns the last fragment index of slide i.
func (d *Deck) LastFragmentOf(i int) int {
	return d.Slides[i].LastFragment()
}

// TotalFragments counts every addressable position in the deck.
func (d *Deck) TotalFragments() int {
	n := 0
	for _, s := range d.Slides {
		n += s.LastFragment() + 1
	}
	return n
}

// CodeBlock looks up a block by identity.
func (d *Deck) CodeBlock(id CodeBlockID) (CodeBlock, bool) {
	b, ok := d.blocks[id]
	return b, ok
}

// NavigationState is the current position in a deck.
type NavigationState struct {
	SlideIndex    int `json:"slide_index"`
	FragmentIndex int `json:"fragment_index"`
}

// Valid reports whether s addresses an existing position of d.
func (s NavigationState) Valid(d *Deck) bool {
	if s.SlideIndex < 0 || s.SlideIndex >= d.Len() {
		return false
	}
	return s.FragmentIndex >= 0 && s.FragmentIndex <= d.LastFragmentOf(s.SlideIndex)
}

func (s NavigationState) String() string {
	return fmt.Sprintf("(%d,%d)", s.SlideIndex, s.FragmentIndex)
}
