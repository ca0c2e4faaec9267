// Package readiness answers dependency-readiness queries over a static task
// dependency graph: given which tasks have completed, which other tasks are
// now unblocked, and which remain blocked and on what.
package readiness

import (
	"fmt"

	"github.com/kandev/conductor/internal/common/apperr"
)

// Graph is a task dependency DAG: each task id maps to the ids of the tasks
// it depends on (must complete before it can proceed).
type Graph struct {
	dependsOn map[string][]string
	dependents map[string][]string
}

// NewGraph builds a Graph from a dependsOn adjacency map. It validates that
// the graph is acyclic using Kahn's algorithm.
func NewGraph(dependsOn map[string][]string) (*Graph, error) {
	g := &Graph{dependsOn: dependsOn, dependents: make(map[string][]string)}
	for task, deps := range dependsOn {
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], task)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) checkAcyclic() error {
	inDegree := make(map[string]int)
	nodes := make(map[string]bool)
	for task, deps := range g.dependsOn {
		nodes[task] = true
		inDegree[task] += len(deps)
		for _, dep := range deps {
			nodes[dep] = true
		}
	}

	queue := make([]string, 0)
	for n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range g.dependents[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(nodes) {
		return apperr.New(apperr.KindInvariant, "readiness", "NewGraph", fmt.Errorf("dependency graph contains a cycle"))
	}
	return nil
}

// Dependencies returns the tasks that taskID depends on.
func (g *Graph) Dependencies(taskID string) []string {
	return append([]string(nil), g.dependsOn[taskID]...)
}

// Dependents returns the tasks that depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	return append([]string(nil), g.dependents[taskID]...)
}

// IsReady reports whether every dependency of taskID is present in completed.
func (g *Graph) IsReady(taskID string, completed map[string]bool) bool {
	for _, dep := range g.dependsOn[taskID] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// BlockedOn returns the dependencies of taskID that are not yet in completed.
func (g *Graph) BlockedOn(taskID string, completed map[string]bool) []string {
	var blocked []string
	for _, dep := range g.dependsOn[taskID] {
		if !completed[dep] {
			blocked = append(blocked, dep)
		}
	}
	return blocked
}

// NewlyUnblocked returns tasks dependent on justCompleted whose full
// dependency set is now satisfied by completed (which must already include
// justCompleted).
func (g *Graph) NewlyUnblocked(justCompleted string, completed map[string]bool) []string {
	var ready []string
	for _, dependent := range g.dependents[justCompleted] {
		if g.IsReady(dependent, completed) {
			ready = append(ready, dependent)
		}
	}
	return ready
}

// AllReady returns every task in the graph whose dependencies are satisfied
// by completed but that is not itself in completed.
func (g *Graph) AllReady(completed map[string]bool) []string {
	var ready []string
	for task := range g.dependsOn {
		if completed[task] {
			continue
		}
		if g.IsReady(task, completed) {
			ready = append(ready, task)
		}
	}
	return ready
}
