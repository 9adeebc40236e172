package graph

import (
	"context"
	"fmt"
	"sort"
)

// Communities assigns each node a community id using the requested
// algorithm ("louvain", "label-prop" or "connected"). Results are cached
// until the next graph mutation.
func (g *Graph) Communities(ctx context.Context, algorithm string) (map[string]string, error) {
	g.mu.Lock()
	if !g.commDirty && g.commAlgo == algorithm && g.commCache != nil {
		out := make(map[string]string, len(g.commCache))
		for k, v := range g.commCache {
			out[k] = v
		}
		g.mu.Unlock()
		return out, nil
	}
	g.mu.Unlock()

	adj, nodes, err := g.topology(ctx)
	if err != nil {
		return nil, err
	}

	var assignment map[string]string
	switch algorithm {
	case "connected":
		assignment = connectedComponents(nodes, adj)
	case "label-prop":
		assignment = labelPropagation(nodes, adj)
	case "louvain", "":
		assignment = louvain(nodes, adj)
	default:
		return nil, fmt.Errorf("%w: community algorithm %q", ErrInvalid, algorithm)
	}

	g.mu.Lock()
	g.commCache = assignment
	g.commAlgo = algorithm
	g.commDirty = false
	g.mu.Unlock()

	out := make(map[string]string, len(assignment))
	for k, v := range assignment {
		out[k] = v
	}
	return out, nil
}

// topology loads only ids and undirected weighted adjacency — full node
// objects are not needed for clustering.
func (g *Graph) topology(ctx context.Context) (map[string]map[string]float64, []string, error) {
	entities, err := g.backend.ListEntities(ctx)
	if err != nil {
		return nil, nil, err
	}
	rels, err := g.backend.ListRelations(ctx)
	if err != nil {
		return nil, nil, err
	}

	adj := make(map[string]map[string]float64, len(entities))
	nodes := make([]string, 0, len(entities))
	for _, e := range entities {
		adj[e.ID] = make(map[string]float64)
		nodes = append(nodes, e.ID)
	}
	sort.Strings(nodes) // deterministic iteration

	for _, r := range rels {
		if r.Status != FactActive || r.ObjectID == "" {
			continue
		}
		if _, ok := adj[r.SubjectID]; !ok {
			continue
		}
		if _, ok := adj[r.ObjectID]; !ok {
			continue
		}
		w := r.Confidence
		if w <= 0 {
			w = 1
		}
		adj[r.SubjectID][r.ObjectID] += w
		adj[r.ObjectID][r.SubjectID] += w
	}
	return adj, nodes, nil
}

func connectedComponents(nodes []string, adj map[string]map[string]float64) map[string]string {
	assignment := make(map[string]string, len(nodes))
	for _, start := range nodes {
		if _, done := assignment[start]; done {
			continue
		}
		queue := []string{start}
		assignment[start] = start
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for nb := range adj[id] {
				if _, done := assignment[nb]; done {
					continue
				}
				assignment[nb] = start
				queue = append(queue, nb)
			}
		}
	}
	return assignment
}

// labelPropagation iterates until labels stabilise or the round budget runs
// out; each node adopts the weight-heaviest label among its neighbours.
func labelPropagation(nodes []string, adj map[string]map[string]float64) map[string]string {
	labels := make(map[string]string, len(nodes))
	for _, id := range nodes {
		labels[id] = id
	}
	for round := 0; round < 20; round++ {
		changed := false
		for _, id := range nodes {
			weights := make(map[string]float64)
			for nb, w := range adj[id] {
				weights[labels[nb]] += w
			}
			if len(weights) == 0 {
				continue
			}
			best, bestW := labels[id], weights[labels[id]]
			keys := make([]string, 0, len(weights))
			for l := range weights {
				keys = append(keys, l)
			}
			sort.Strings(keys)
			for _, l := range keys {
				if weights[l] > bestW {
					best, bestW = l, weights[l]
				}
			}
			if best != labels[id] {
				labels[id] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return labels
}

// louvain is a single-level greedy modularity pass: each node moves to the
// neighbouring community with the best modularity gain until no move helps.
// One level is enough for entity clustering; the full multi-level scheme
// buys little on graphs this size.
func louvain(nodes []string, adj map[string]map[string]float64) map[string]string {
	community := make(map[string]string, len(nodes))
	degree := make(map[string]float64, len(nodes))
	var total float64
	for _, id := range nodes {
		community[id] = id
		for _, w := range adj[id] {
			degree[id] += w
			total += w
		}
	}
	if total == 0 {
		return connectedComponents(nodes, adj)
	}

	commDegree := make(map[string]float64, len(nodes))
	for id, d := range degree {
		commDegree[community[id]] += d
	}

	for round := 0; round < 10; round++ {
		moved := false
		for _, id := range nodes {
			current := community[id]
			// Weight from id into each neighbouring community.
			into := make(map[string]float64)
			for nb, w := range adj[id] {
				into[community[nb]] += w
			}

			commDegree[current] -= degree[id]
			best, bestGain := current, 0.0
			keys := make([]string, 0, len(into))
			for c := range into {
				keys = append(keys, c)
			}
			sort.Strings(keys)
			for _, c := range keys {
				gain := into[c] - degree[id]*commDegree[c]/total
				if gain > bestGain {
					best, bestGain = c, gain
				}
			}
			community[id] = best
			commDegree[best] += degree[id]
			if best != current {
				moved = true
			}
		}
		if !moved {
			break
		}
	}
	return community
}
