package scheduler

import (
	"sort"
	"strings"
	"sync"
)

// Graph holds "task depends on" edges. It is always acyclic: edges that
// would close a cycle are rejected before they are stored.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]map[string]struct{}
}

func NewGraph() *Graph {
	return &Graph{edges: map[string]map[string]struct{}{}}
}

// Add records that taskID depends on dependsOn. Adding an existing edge is a no-op.
func (g *Graph) Add(taskID, dependsOn string) error {
	taskID, dependsOn = strings.TrimSpace(taskID), strings.TrimSpace(dependsOn)
	if taskID == "" || dependsOn == "" {
		return ErrInvalidEdge
	}
	if taskID == dependsOn {
		return ErrSelfDependency
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wouldCycleLocked(taskID, dependsOn) {
		return ErrCycle
	}
	deps := g.edges[taskID]
	if deps == nil {
		deps = map[string]struct{}{}
		g.edges[taskID] = deps
	}
	deps[dependsOn] = struct{}{}
	return nil
}

// Remove deletes one edge and reports whether it existed.
func (g *Graph) Remove(taskID, dependsOn string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	deps := g.edges[taskID]
	if _, ok := deps[dependsOn]; !ok {
		return false
	}
	delete(deps, dependsOn)
	if len(deps) == 0 {
		delete(g.edges, taskID)
	}
	return true
}

// RemoveTask deletes every edge from taskID and reports how many there were.
func (g *Graph) RemoveTask(taskID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.edges[taskID])
	delete(g.edges, taskID)
	return n
}

// Dependencies returns the direct dependencies of taskID, sorted.
func (g *Graph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.edges[taskID])
}

// Snapshot copies the whole graph.
func (g *Graph) Snapshot() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]string, len(g.edges))
	for id, deps := range g.edges {
		out[id] = sortedKeys(deps)
	}
	return out
}

// WouldCreateCycle reports whether adding taskID -> dependsOn would make the
// graph cyclic.
func (g *Graph) WouldCreateCycle(taskID, dependsOn string) bool {
	if taskID == dependsOn {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.wouldCycleLocked(taskID, dependsOn)
}

// wouldCycleLocked runs a DFS from taskID over the existing edges plus the
// prospective one. A node met again while still on the DFS path is a cycle.
// The existing graph is acyclic, so any cycle must pass through taskID.
func (g *Graph) wouldCycleLocked(taskID, dependsOn string) bool {
	next := func(n string) []string {
		deps := make([]string, 0, len(g.edges[n])+1)
		for d := range g.edges[n] {
			deps = append(deps, d)
		}
		if n == taskID {
			deps = append(deps, dependsOn)
		}
		return deps
	}

	onPath := map[string]bool{}
	done := map[string]bool{}
	var visit func(n string) bool
	visit = func(n string) bool {
		if onPath[n] {
			return true
		}
		if done[n] {
			return false
		}
		onPath[n] = true
		for _, d := range next(n) {
			if visit(d) {
				return true
			}
		}
		onPath[n] = false
		done[n] = true
		return false
	}
	return visit(taskID)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
