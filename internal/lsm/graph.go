package lsm

import (
	"sort"

	"github.com/aerugo/SimCash-sub000/internal/ledger"
	"github.com/aerugo/SimCash-sub000/internal/rtgs"
)

// Edge aggregates every queued payment from one agent to another.
type Edge struct {
	From   int
	To     int
	TxIDs  []string
	Amount int64
}

// Graph is the payment graph of the central queue. Nodes are indexes into
// Agents, which is sorted, so every traversal is deterministic.
type Graph struct {
	Agents []string
	index  map[string]int
	edges  map[[2]int]*Edge
	out    [][]int
}

// BuildGraph aggregates the open transactions of q, in queue order.
func BuildGraph(l *ledger.Ledger, q *rtgs.Queue) *Graph {
	type pair struct{ from, to string }
	var order []pair
	agg := make(map[pair]*Edge)
	names := make(map[string]bool)

	for _, e := range q.Entries() {
		tx, ok := l.Transaction(e.TxID)
		if !ok || !tx.Open() {
			continue
		}
		k := pair{tx.Sender, tx.Receiver}
		edge, ok := agg[k]
		if !ok {
			edge = &Edge{}
			agg[k] = edge
			order = append(order, k)
		}
		edge.TxIDs = append(edge.TxIDs, tx.ID)
		edge.Amount += tx.RemainingAmount
		names[tx.Sender] = true
		names[tx.Receiver] = true
	}

	g := &Graph{index: make(map[string]int, len(names)), edges: make(map[[2]int]*Edge, len(agg))}
	for name := range names {
		g.Agents = append(g.Agents, name)
	}
	sort.Strings(g.Agents)
	for i, name := range g.Agents {
		g.index[name] = i
	}
	g.out = make([][]int, len(g.Agents))

	for _, k := range order {
		edge := agg[k]
		edge.From, edge.To = g.index[k.from], g.index[k.to]
		g.edges[[2]int{edge.From, edge.To}] = edge
		g.out[edge.From] = append(g.out[edge.From], edge.To)
	}
	for i := range g.out {
		sort.Ints(g.out[i])
	}
	return g
}

// Edge returns the aggregated edge from -> to.
func (g *Graph) Edge(from, to int) (*Edge, bool) {
	e, ok := g.edges[[2]int{from, to}]
	return e, ok
}

// Len is the number of nodes.
func (g *Graph) Len() int {
	return len(g.Agents)
}

func (g *Graph) leg(e *Edge) ledger.Leg {
	return ledger.Leg{
		Sender:   g.Agents[e.From],
		Receiver: g.Agents[e.To],
		TxIDs:    append([]string(nil), e.TxIDs...),
		Amount:   e.Amount,
	}
}

// Cycle is a candidate multilateral settlement: a closed chain of agents,
// its legs and each agent's net position.
type Cycle struct {
	Nodes  []int
	Agents []string
	Legs   []ledger.Leg
	Net    map[string]int64
	Value  int64
}

// FindCycles enumerates the simple cycles of length 3..maxLen. Each cycle
// is reported once, starting at its smallest node, in DFS order over sorted
// successors.
func FindCycles(g *Graph, maxLen int) []Cycle {
	if maxLen < 3 {
		return nil
	}
	var cycles []Cycle
	onPath := make([]bool, g.Len())
	path := make([]int, 0, maxLen)

	var dfs func(start, node int)
	dfs = func(start, node int) {
		for _, next := range g.out[node] {
			if next == start && len(path) >= 3 {
				cycles = append(cycles, g.cycle(path))
				continue
			}
			if next <= start || onPath[next] || len(path) == maxLen {
				continue
			}
			onPath[next] = true
			path = append(path, next)
			dfs(start, next)
			path = path[:len(path)-1]
			onPath[next] = false
		}
	}

	for start := 0; start < g.Len(); start++ {
		onPath[start] = true
		path = append(path[:0], start)
		dfs(start, start)
		onPath[start] = false
	}
	return cycles
}

func (g *Graph) cycle(path []int) Cycle {
	c := Cycle{
		Nodes: append([]int(nil), path...),
		Net:   make(map[string]int64, len(path)),
	}
	for i, from := range path {
		to := path[(i+1)%len(path)]
		edge, _ := g.Edge(from, to)
		leg := g.leg(edge)
		c.Agents = append(c.Agents, g.Agents[from])
		c.Legs = append(c.Legs, leg)
		c.Value += leg.Amount
		c.Net[leg.Sender] -= leg.Amount
		c.Net[leg.Receiver] += leg.Amount
	}
	return c
}
