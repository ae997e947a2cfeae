package client

import (
	"math/rand"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// RouteStrategy picks one address out of candidates for a Pool call.
// key is a caller-stable value (e.g. the caller's own address);
// strategies that don't need it ignore it.
type RouteStrategy interface {
	Select(candidates []string, key string) string
}

// RandomStrategy picks uniformly at random.
type RandomStrategy struct{}

func (RandomStrategy) Select(candidates []string, _ string) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))]
}

// RoundRobinStrategy cycles through candidates with a threadsafe
// monotonic counter.
type RoundRobinStrategy struct {
	counter atomic.Uint64
}

func (s *RoundRobinStrategy) Select(candidates []string, _ string) string {
	if len(candidates) == 0 {
		return ""
	}
	i := s.counter.Add(1) - 1
	return candidates[i%uint64(len(candidates))]
}

// HashIPStrategy hashes key to pick a candidate, so the same caller
// lands on the same provider as long as the candidate list doesn't
// change.
type HashIPStrategy struct{}

func (HashIPStrategy) Select(candidates []string, key string) string {
	if len(candidates) == 0 {
		return ""
	}
	h := xxhash.Sum64String(key)
	return candidates[h%uint64(len(candidates))]
}
