package odai

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrNoEntitiesAvailable is returned by Generate when no character matches the requested series.
var ErrNoEntitiesAvailable = errors.New("no characters available for the requested series")

// Prompt is a generated drawing theme: a set of distinct characters plus one word per theme category.
type Prompt struct {
	Characters []PromptCharacter `json:"characters"`
	Place      string            `json:"place"`
	Time       string            `json:"time"`
	Action     string            `json:"action"`
	Item       string            `json:"item"`
}

// PromptCharacter is the part of a Character included in a Prompt.
type PromptCharacter struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// Generator builds random prompts from a Dataset. It is safe for concurrent use.
type Generator struct {
	dataset *Dataset

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator creates a Generator drawing from dataset with rnd. A nil rnd is replaced by a
// time-seeded source.
func NewGenerator(dataset *Dataset, rnd *rand.Rand) *Generator {
	if rnd == nil {
		seed := uint64(time.Now().UnixNano())
		rnd = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Generator{
		dataset: dataset,
		rnd:     rnd,
	}
}

// Generate picks num distinct characters from the given series (all series when seriesIDs is
// empty) and one place, time, action and item. num is clamped to [1, number of candidates].
// A category with no words yields an empty string.
func (g *Generator) Generate(num int, seriesIDs []string) (Prompt, error) {
	candidates := g.dataset.Characters(seriesIDs...)
	if len(candidates) == 0 {
		return Prompt{}, ErrNoEntitiesAvailable
	}

	num = max(1, min(num, len(candidates)))

	g.mu.Lock()
	defer g.mu.Unlock()

	// candidates is already a copy, shuffling it leaves the dataset untouched.
	g.rnd.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	chars := make([]PromptCharacter, 0, num)
	for _, c := range candidates[:num] {
		chars = append(chars, PromptCharacter{Name: c.Name, Link: c.Link})
	}

	return Prompt{
		Characters: chars,
		Place:      g.pick(g.dataset.Places()),
		Time:       g.pick(g.dataset.Times()),
		Action:     g.pick(g.dataset.Actions()),
		Item:       g.pick(g.dataset.Items()),
	}, nil
}

// pick must be called with g.mu held.
func (g *Generator) pick(words []string) string {
	if len(words) == 0 {
		return ""
	}
	return words[g.rnd.IntN(len(words))]
}
