package task

import (
	"math"
	"sync"
	"sync/atomic"
)

// Group combines the progress of a chain of tasks sharing one identifier.
// Each stage has a weight; the group progress is the weighted sum of the
// stage progresses, so it does not go back to zero when a stage ends and
// the next one starts.
type Group struct {
	id      string
	weights []float64
	stages  []atomic.Uint64 // math.Float64bits

	mu        sync.Mutex
	observers []func(float64)
}

// NewGroup returns a group with one stage per weight. Weights are
// normalized to sum to one; with no weights, or weights that do not sum to
// a positive number, every stage has the same weight.
func NewGroup(id string, weights ...float64) *Group {
	if len(weights) == 0 {
		weights = []float64{1}
	}
	var sum float64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	norm := make([]float64, len(weights))
	for i, w := range weights {
		switch {
		case sum <= 0:
			norm[i] = 1 / float64(len(weights))
		case w > 0:
			norm[i] = w / sum
		}
	}
	return &Group{id: id, weights: norm, stages: make([]atomic.Uint64, len(weights))}
}

// ID returns the identifier shared by the tasks of the group.
func (g *Group) ID() string { return g.id }

// Stages returns the number of stages.
func (g *Group) Stages() int { return len(g.weights) }

// Progress returns the weighted progress of all stages.
func (g *Group) Progress() float64 {
	var p float64
	for i := range g.stages {
		p += g.weights[i] * math.Float64frombits(g.stages[i].Load())
	}
	return math.Min(p, 1)
}

// OnProgress registers fn to be called with the group progress every time
// one of its stages advances.
func (g *Group) OnProgress(fn func(float64)) {
	g.mu.Lock()
	g.observers = append(g.observers[:len(g.observers):len(g.observers)], fn)
	g.mu.Unlock()
}

func (g *Group) update(stage int, p float64) {
	if stage < 0 || stage >= len(g.stages) {
		return
	}
	for {
		old := g.stages[stage].Load()
		if math.Float64frombits(old) >= p {
			return
		}
		if g.stages[stage].CompareAndSwap(old, math.Float64bits(p)) {
			break
		}
	}
	g.mu.Lock()
	observers := g.observers
	g.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	total := g.Progress()
	for _, fn := range observers {
		fn(total)
	}
}
