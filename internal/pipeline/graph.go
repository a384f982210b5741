package pipeline

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/embedding-lookup/internal/accel"
)

var ErrNotDispatched = errors.New("dependency not dispatched")

// Stage is one asynchronous device operation. Event is set once the stage has
// been dispatched.
type Stage struct {
	Name  string
	Deps  []*Stage
	Event accel.Event
}

// WaitList returns the completion events of the stage's prerequisites.
func (s *Stage) WaitList() ([]accel.Event, error) {
	wait := make([]accel.Event, 0, len(s.Deps))
	for _, dep := range s.Deps {
		if dep.Event == nil {
			return nil, fmt.Errorf("stage %s: %w: %s", s.Name, ErrNotDispatched, dep.Name)
		}
		wait = append(wait, dep.Event)
	}
	return wait, nil
}

// Graph is a dependency DAG of stages kept in dispatch order.
type Graph struct {
	stages []*Stage
}

// Add appends a stage depending on deps. Deps must already be in the graph.
func (g *Graph) Add(name string, deps ...*Stage) *Stage {
	s := &Stage{Name: name, Deps: deps}
	g.stages = append(g.stages, s)
	return s
}

// Validate checks that every dependency precedes its dependents, which also
// rules out cycles, and that stage names are unique.
func (g *Graph) Validate() error {
	position := make(map[*Stage]int, len(g.stages))
	names := make(map[string]struct{}, len(g.stages))
	for i, s := range g.stages {
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate stage %s", s.Name)
		}
		names[s.Name] = struct{}{}
		for _, dep := range s.Deps {
			j, ok := position[dep]
			if !ok {
				return fmt.Errorf("stage %s depends on %s, which is not dispatched before it", s.Name, dep.Name)
			}
			if j >= i {
				return fmt.Errorf("stage %s depends on later stage %s", s.Name, dep.Name)
			}
		}
		position[s] = i
	}
	return nil
}

// Stages returns the stages in dispatch order
func (g *Graph) Stages() []*Stage {
	return g.stages
}

// Release releases the event of every dispatched stage.
func (g *Graph) Release() {
	for _, s := range g.stages {
		if s.Event != nil {
			s.Event.Release()
			s.Event = nil
		}
	}
}

// Settle blocks until every dispatched stage has completed, successfully or
// not.
func (g *Graph) Settle() {
	for _, s := range g.stages {
		if s.Event != nil {
			<-s.Event.Done()
		}
	}
}
