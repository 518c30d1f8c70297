package pipeline

import (
	"math/rand/v2"
	"sync"
)

// HostSelector picks a host for a component among the workers allowed to run it. candidates
// is sorted and never empty.
type HostSelector interface {
	Select(component string, candidates []string) string
}

// RandomSelector picks uniformly with a seeded generator, so a fixed seed reproduces the same
// placements.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSelector returns a selector seeded with seed.
func NewRandomSelector(seed uint64) *RandomSelector {
	return &RandomSelector{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *RandomSelector) Select(component string, candidates []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return candidates[s.rng.IntN(len(candidates))]
}

// FirstSelector always picks the first candidate.
type FirstSelector struct{}

func (FirstSelector) Select(component string, candidates []string) string {
	return candidates[0]
}
