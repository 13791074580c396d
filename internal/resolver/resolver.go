// Package resolver computes execution order over the ticket dependency graph.
//
// A [Graph] is a snapshot of the ticket set. The orchestrator rebuilds it from
// the store after every batch so that completions become visible before the
// next selection; the graph itself never advances state.
package resolver

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/Iron-Ham/ticketflow/internal/errors"
	"github.com/Iron-Ham/ticketflow/internal/ticket"
)

// Graph holds tickets and their dependency edges (ticket -> dependency).
type Graph struct {
	nodes      map[string]*ticket.Ticket
	order      []string
	dependents map[string][]string
}

// Build validates the edge set and returns the graph. A dependency on an
// unknown id or any cycle is a ConfigurationError.
func Build(tickets []*ticket.Ticket) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*ticket.Ticket, len(tickets)),
		dependents: make(map[string][]string),
	}
	for _, t := range tickets {
		g.nodes[t.ID] = t
		g.order = append(g.order, t.ID)
	}
	g.sortIDs(g.order)

	for _, id := range g.order {
		for _, dep := range g.nodes[id].Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return nil, errors.NewConfigurationError(
					fmt.Sprintf("depends on unknown ticket %q", dep),
					errors.ErrUnknownDependency,
				).WithTicketID(id).WithField("dependencies")
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, errors.NewConfigurationError(
			"cycle "+strings.Join(cycle, " -> "),
			errors.ErrDependencyCycle,
		).WithTicketID(cycle[0]).WithField("dependencies")
	}
	return g, nil
}

// findCycle runs a colored DFS and returns the first cycle found as a path
// that starts and ends on the same id, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)

		deps := append([]string(nil), g.nodes[id].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	ids := append([]string(nil), g.order...)
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// Ticket returns the ticket with id, or nil.
func (g *Graph) Ticket(id string) *ticket.Ticket {
	return g.nodes[id]
}

// Len returns the number of tickets.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Unmet returns the dependencies of id that are not COMPLETED, sorted.
func (g *Graph) Unmet(id string) []string {
	t, ok := g.nodes[id]
	if !ok {
		return nil
	}
	var unmet []string
	for _, dep := range t.Dependencies {
		if d, ok := g.nodes[dep]; !ok || d.State != ticket.StateCompleted {
			unmet = append(unmet, dep)
		}
	}
	sort.Strings(unmet)
	return unmet
}

// Ready returns UNPROCESSED tickets whose dependencies are all COMPLETED,
// P0 first, then by id.
func (g *Graph) Ready() []*ticket.Ticket {
	var out []*ticket.Ticket
	for _, id := range g.order {
		t := g.nodes[id]
		if t.State == ticket.StateUnprocessed && len(g.Unmet(id)) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Resumable returns DEFERRED(missing_dependencies) tickets whose dependencies
// have all completed since, in the same order as Ready.
func (g *Graph) Resumable() []*ticket.Ticket {
	var out []*ticket.Ticket
	for _, id := range g.order {
		t := g.nodes[id]
		if t.State != ticket.StateDeferred || t.Defer == nil || t.Defer.Category != ticket.DeferMissingDependencies {
			continue
		}
		if len(g.Unmet(id)) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// InProgress returns IN_PROGRESS tickets whose dependencies are complete,
// in the same order as Ready. These are left over from an interrupted run.
func (g *Graph) InProgress() []*ticket.Ticket {
	var out []*ticket.Ticket
	for _, id := range g.order {
		t := g.nodes[id]
		if t.State == ticket.StateInProgress && len(g.Unmet(id)) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// NextBatch returns at most w ready tickets. A non-positive w selects the
// auto-detected worker budget.
func (g *Graph) NextBatch(w int) []*ticket.Ticket {
	return firstN(g.Ready(), Workers(w))
}

// Workers resolves a worker budget; w <= 0 means one worker per CPU.
func Workers(w int) int {
	if w <= 0 {
		return runtime.NumCPU()
	}
	return w
}

// Wave is one dependency level of a simulated run.
type Wave struct {
	// Tickets are every ticket of the level in tie-break order.
	Tickets []string
	// Batches chunk Tickets by the worker budget.
	Batches [][]string
}

// Plan simulates the run assuming every ticket completes: each wave holds the
// not-yet-completed tickets whose dependencies are all satisfied by earlier
// waves. In an acyclic graph every pending ticket lands in exactly one wave.
func (g *Graph) Plan(w int) []Wave {
	w = Workers(w)
	done := make(map[string]bool, len(g.nodes))
	pending := make(map[string]int)
	for _, id := range g.order {
		if g.nodes[id].State == ticket.StateCompleted {
			done[id] = true
		}
	}
	for _, id := range g.order {
		if done[id] {
			continue
		}
		n := 0
		for _, dep := range g.nodes[id].Dependencies {
			if !done[dep] {
				n++
			}
		}
		pending[id] = n
	}

	var waves []Wave
	for len(pending) > 0 {
		var level []string
		for _, id := range g.order {
			if n, ok := pending[id]; ok && n == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			delete(pending, id)
			for _, dependent := range g.dependents[id] {
				if _, ok := pending[dependent]; ok {
					pending[dependent]--
				}
			}
		}
		waves = append(waves, Wave{Tickets: level, Batches: chunk(level, w)})
	}
	return waves
}

// Chain explains why an UNPROCESSED ticket is not ready: Path runs from the
// ticket through its first unmet dependency at each step down to Blocker,
// the first ticket in the chain with no unmet dependencies of its own.
type Chain struct {
	TicketID     string
	Path         []string
	Blocker      string
	BlockerState ticket.State
}

// String renders the chain as "A -> B -> C (DEFERRED)".
func (c Chain) String() string {
	return fmt.Sprintf("%s (%s)", strings.Join(c.Path, " -> "), c.BlockerState)
}

// BlockingChains reports a chain for every UNPROCESSED ticket that is not
// ready. An empty result with UNPROCESSED tickets left means they are ready.
func (g *Graph) BlockingChains() []Chain {
	var chains []Chain
	for _, id := range g.order {
		t := g.nodes[id]
		if t.State != ticket.StateUnprocessed || len(g.Unmet(id)) == 0 {
			continue
		}
		path := []string{id}
		cur := id
		for {
			unmet := g.Unmet(cur)
			if len(unmet) == 0 {
				break
			}
			cur = unmet[0]
			path = append(path, cur)
		}
		chains = append(chains, Chain{
			TicketID:     id,
			Path:         path,
			Blocker:      cur,
			BlockerState: g.nodes[cur].State,
		})
	}
	return chains
}

// Pending reports how many tickets are not COMPLETED.
func (g *Graph) Pending() int {
	n := 0
	for _, t := range g.nodes {
		if t.State != ticket.StateCompleted {
			n++
		}
	}
	return n
}

func (g *Graph) sortIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

func firstN(tickets []*ticket.Ticket, n int) []*ticket.Ticket {
	if len(tickets) > n {
		return tickets[:n]
	}
	return tickets
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
