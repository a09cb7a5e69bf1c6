package gc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
)

// Strategy selects how a run decides what is unreferenced.
type Strategy int

const (
	// Additive collects marked survivors and, at Stop, removes every
	// listed object that was not marked.
	Additive Strategy = iota + 1
	// Subtractive lists every object at Start as a deletion candidate;
	// marks withdraw candidates and Stop removes the rest.
	Subtractive
)

func (s Strategy) String() string {
	switch s {
	case Additive:
		return "additive"
	case Subtractive:
		return "subtractive"
	default:
		return "invalid"
	}
}

// Valid reports whether s names a strategy.
func (s Strategy) Valid() bool {
	return s == Additive || s == Subtractive
}

// ParseStrategy accepts "additive" or "subtractive".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "additive":
		return Additive, nil
	case "subtractive":
		return Subtractive, nil
	default:
		return 0, errkind.New(errkind.Configuration, "unknown gc strategy %q", s)
	}
}

type victim struct {
	digest digest.Digest
	size   int64
}

// sweepResult is what a working set reports at the end of a run.
type sweepResult struct {
	victims []victim
	kept    int
	skipped int
}

// workingSet is the per-run state of one strategy.
type workingSet interface {
	mark(d digest.Digest)
	unreferenced(ctx context.Context, target Target, started time.Time) (sweepResult, error)
}

func newWorkingSet(ctx context.Context, s Strategy, target Target) (workingSet, int, error) {
	switch s {
	case Additive:
		return &survivorSet{marked: make(map[digest.Digest]struct{})}, 0, nil
	case Subtractive:
		set, skipped, err := seedCandidates(ctx, target)
		if err != nil {
			return nil, skipped, err
		}
		return set, skipped, nil
	default:
		return nil, 0, errkind.New(errkind.Configuration, "gc strategy %d is not valid", int(s))
	}
}

type survivorSet struct {
	mu     sync.Mutex
	marked map[digest.Digest]struct{}
}

func (s *survivorSet) mark(d digest.Digest) {
	s.mu.Lock()
	s.marked[d] = struct{}{}
	s.mu.Unlock()
}

// unreferenced lists the target once. Objects modified after the run
// started are kept, since a writer may have stored them after the caller
// finished marking.
func (s *survivorSet) unreferenced(ctx context.Context, target Target, started time.Time) (sweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sweepResult
	err := target.List(ctx, func(e Entry) error {
		d := digest.Digest(e.Key)
		if d.Validate() != nil {
			res.skipped++
			return nil
		}
		if _, ok := s.marked[d]; ok || e.ModTime.After(started) {
			res.kept++
			return nil
		}
		res.victims = append(res.victims, victim{digest: d, size: e.Size})
		return nil
	})
	return res, err
}

type candidateSet struct {
	mu         sync.Mutex
	candidates map[digest.Digest]int64
	kept       int
	skipped    int
}

func seedCandidates(ctx context.Context, target Target) (*candidateSet, int, error) {
	s := &candidateSet{candidates: make(map[digest.Digest]int64)}
	err := target.List(ctx, func(e Entry) error {
		d := digest.Digest(e.Key)
		if d.Validate() != nil {
			s.skipped++
			return nil
		}
		s.candidates[d] = e.Size
		return nil
	})
	if err != nil {
		return nil, s.skipped, err
	}
	return s, s.skipped, nil
}

func (s *candidateSet) mark(d digest.Digest) {
	s.mu.Lock()
	if _, ok := s.candidates[d]; ok {
		delete(s.candidates, d)
		s.kept++
	}
	s.mu.Unlock()
}

func (s *candidateSet) unreferenced(context.Context, Target, time.Time) (sweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := sweepResult{kept: s.kept, skipped: s.skipped}
	for d, size := range s.candidates {
		res.victims = append(res.victims, victim{digest: d, size: size})
	}
	return res, nil
}
