package cleanup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/recoverctl/recoverctl/internal/model"
)

// Wave is a set of resources of one deletion rank. Members of a wave have
// no dependency on each other and may be deleted concurrently.
type Wave struct {
	Rank      int
	Resources []model.ResourceDescriptor
}

// Plan is a deletion schedule, first wave first.
type Plan struct {
	Waves []Wave
}

// Len counts the scheduled resources.
func (p *Plan) Len() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w.Resources)
	}
	return n
}

// Resources flattens the plan in deletion order.
func (p *Plan) Resources() []model.ResourceDescriptor {
	var out []model.ResourceDescriptor
	for _, w := range p.Waves {
		out = append(out, w.Resources...)
	}
	return out
}

// BuildPlan groups descriptors into waves by deletion rank and checks the
// ranks against the dependency edges: every dependent must sit in an
// earlier wave than what it depends on.
func BuildPlan(descs []model.ResourceDescriptor) (*Plan, error) {
	ranks := make(map[string]int, len(descs))
	byRank := make(map[int][]model.ResourceDescriptor)
	for _, d := range descs {
		spec, err := model.SpecFor(d.Kind)
		if err != nil {
			return nil, err
		}
		if spec.Global {
			return nil, fmt.Errorf("%s is a global resource and is never deleted", d)
		}
		ranks[d.ID] = spec.DeletionRank
		byRank[spec.DeletionRank] = append(byRank[spec.DeletionRank], d)
	}

	var violations []string
	for _, d := range descs {
		for _, dep := range d.Dependents {
			r, scheduled := ranks[dep.ID]
			if scheduled && r >= ranks[d.ID] {
				violations = append(violations, fmt.Sprintf("%s must be deleted before %s", dep, d))
			}
		}
	}
	if len(violations) > 0 {
		return nil, fmt.Errorf("deletion ranks contradict dependencies: %s", strings.Join(violations, "; "))
	}

	if _, err := newDAG(descs).destructionOrder(); err != nil {
		return nil, err
	}

	plan := &Plan{}
	keys := make([]int, 0, len(byRank))
	for r := range byRank {
		keys = append(keys, r)
	}
	sort.Ints(keys)
	for _, r := range keys {
		res := byRank[r]
		sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
		plan.Waves = append(plan.Waves, Wave{Rank: r, Resources: res})
	}
	return plan, nil
}

// dag is the dependency graph of a set of live resources, keyed by ID.
type dag struct {
	nodes map[string]*dagNode
}

type dagNode struct {
	id       string
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

func newDAG(descs []model.ResourceDescriptor) *dag {
	g := &dag{nodes: make(map[string]*dagNode, len(descs))}
	for _, d := range descs {
		g.nodes[d.ID] = &dagNode{id: d.ID}
	}
	for _, d := range descs {
		for _, dep := range d.DependsOn {
			if _, ok := g.nodes[dep]; ok && dep != d.ID {
				g.nodes[d.ID].edges = append(g.nodes[d.ID].edges, dep)
				g.nodes[dep].revEdges = append(g.nodes[dep].revEdges, d.ID)
			}
		}
	}
	return g
}

// destructionOrder performs Kahn's algorithm from the leaves: a node is
// ready once everything depending on it is gone.
func (g *dag) destructionOrder() ([]string, error) {
	remaining := make(map[string]int, len(g.nodes))
	var queue []string
	for id, n := range g.nodes {
		remaining[id] = len(n.revEdges)
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dep := range g.nodes[id].edges {
			remaining[dep]--
			if remaining[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.nodes) {
		return nil, fmt.Errorf("dependency cycle detected among live resources")
	}
	return sorted, nil
}
