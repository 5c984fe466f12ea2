// Package deck loads parsed deck documents and keeps the active deck.
package deck

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/ashureev/livedeck/internal/domain"
	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// document is the parsed-deck contract produced by the markdown collaborator.
// JSON documents decode through the same path since JSON is valid YAML.
type document struct {
	Title  string          `yaml:"title"`
	Slides []slideDocument `yaml:"slides"`
}

type slideDocument struct {
	Title      string              `yaml:"title"`
	Fragments  []string            `yaml:"fragments"`
	CodeBlocks []codeBlockDocument `yaml:"code_blocks"`
}

type codeBlockDocument struct {
	Language string `yaml:"language"`
	Source   string `yaml:"source"`
}

var generation atomic.Uint64

// Load reads and decodes the deck document at path.
func Load(path string) (*domain.Deck, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deck %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a deck document. Every call yields a fresh DeckID.
func Parse(data []byte) (*domain.Deck, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrInvalidDeck, err)
	}

	slides := make([]domain.Slide, 0, len(doc.Slides))
	for _, s := range doc.Slides {
		slide := domain.Slide{Title: s.Title}
		for _, f := range s.Fragments {
			slide.Fragments = append(slide.Fragments, domain.Fragment{Content: f})
		}
		for _, b := range s.CodeBlocks {
			slide.CodeBlocks = append(slide.CodeBlocks, domain.CodeBlock{
				Language: b.Language,
				Source:   b.Source,
			})
		}
		slides = append(slides, slide)
	}

	id := domain.DeckID(fmt.Sprintf("%d-%016x", generation.Add(1), xxhash.Sum64(data)))
	return domain.NewDeck(id, doc.Title, slides)
}

// Holder publishes the active deck. Readers always see a complete deck.
type Holder struct {
	current atomic.Pointer[domain.Deck]
}

// NewHolder creates a holder seeded with d.
func NewHolder(d *domain.Deck) *Holder {
	h := &Holder{}
	h.current.Store(d)
	return h
}

// Current returns the active deck.
func (h *Holder) Current() *domain.Deck {
	return h.current.Load()
}

// Swap installs d and returns the previous deck.
func (h *Holder) Swap(d *domain.Deck) *domain.Deck {
	return h.current.Swap(d)
}
