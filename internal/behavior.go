package internal

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

const recentWindowCap = 256

type behaviorNode struct {
	Value     string
	Type      string
	FirstSeen time.Time
	LastSeen  time.Time
	Sightings int
	Sources   map[string]struct{}
	recent    []time.Time // sightings within the last hour
}

type behaviorEdge struct {
	From     string
	To       string
	Weight   float64
	LastSeen time.Time
}

// GraphBehaviorAnalyzer learns behavior from an in-memory co-occurrence
// graph: indicators reported back-to-back by the same source get linked, and
// burst, fan-out and source-diversity signals fall out of the node state.
// Default BehavioralAnalyzer; pruned on a schedule to bound memory.
type GraphBehaviorAnalyzer struct {
	mu           sync.RWMutex
	nodes        map[string]*behaviorNode
	edges        map[string]*behaviorEdge
	degree       map[string]int
	lastBySource map[string]string
	nowFn        func() time.Time
}

func NewGraphBehaviorAnalyzer() *GraphBehaviorAnalyzer {
	return &GraphBehaviorAnalyzer{
		nodes:        make(map[string]*behaviorNode),
		edges:        make(map[string]*behaviorEdge),
		degree:       make(map[string]int),
		lastBySource: make(map[string]string),
		nowFn:        time.Now,
	}
}

// edgeKey is direction-agnostic: sightings in either order land on one edge.
func edgeKey(from, to string) string {
	if from > to {
		from, to = to, from
	}
	return fmt.Sprintf("%s:%s", from, to)
}

// Analyze folds the record into the graph and scores how far its activity
// deviates from quiet single-source behavior.
func (g *GraphBehaviorAnalyzer) Analyze(ctx context.Context, rec Record, _ FeatureSet) (BehaviorReport, error) {
	if err := ctx.Err(); err != nil {
		return BehaviorReport{}, err
	}
	value := rec.Indicator
	if value == "" {
		value = rec.ID
	}
	if value == "" {
		return BehaviorReport{Pattern: "baseline", Deviation: 0.5}, nil
	}

	g.mu.Lock()
	now := g.nowFn()
	node := g.observeLocked(rec, value, now)

	var count5m int
	for _, ts := range node.recent {
		if now.Sub(ts) <= 5*time.Minute {
			count5m++
		}
	}
	count1h := len(node.recent)
	deg := g.degree[value]
	sources := len(node.Sources)
	sightings := node.Sightings
	g.mu.Unlock()

	temporal := 0.0
	if count1h > 0 {
		temporal = float64(count5m) / float64(count1h)
	}
	network := math.Min(1, float64(deg)/20)
	user := math.Min(1, float64(sources-1)/5)

	report := BehaviorReport{
		Temporal:  temporal,
		Network:   network,
		User:      user,
		Deviation: clampFloat(0.4*temporal+0.35*network+0.25*user, 0, 1),
	}
	switch {
	case temporal >= 0.6 && count1h >= 3:
		report.Pattern = "burst"
	case network >= 0.5:
		report.Pattern = "fan_out"
	case user >= 0.5:
		report.Pattern = "multi_source"
	case sightings > 5:
		report.Pattern = "recurrent"
	default:
		report.Pattern = "baseline"
	}
	return report, nil
}

func (g *GraphBehaviorAnalyzer) observeLocked(rec Record, value string, now time.Time) *behaviorNode {
	node, ok := g.nodes[value]
	if !ok {
		node = &behaviorNode{
			Value:     value,
			Type:      rec.Type,
			FirstSeen: now,
			Sources:   make(map[string]struct{}),
		}
		g.nodes[value] = node
	}
	node.LastSeen = now
	node.Sightings++
	if rec.Source != "" {
		node.Sources[rec.Source] = struct{}{}
	}

	cutoff := now.Add(-time.Hour)
	kept := node.recent[:0]
	for _, ts := range node.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	node.recent = append(kept, now)
	if len(node.recent) > recentWindowCap {
		node.recent = node.recent[len(node.recent)-recentWindowCap:]
	}

	if rec.Source != "" {
		if prev := g.lastBySource[rec.Source]; prev != "" && prev != value {
			key := edgeKey(prev, value)
			edge, ok := g.edges[key]
			if !ok {
				edge = &behaviorEdge{From: prev, To: value}
				g.edges[key] = edge
				g.degree[prev]++
				g.degree[value]++
			}
			edge.Weight++
			edge.LastSeen = now
		}
		g.lastBySource[rec.Source] = value
	}
	return node
}

// NodeActivity scores an indicator's standing activity in [0, 1], boosted
// for recency the same way related-node scoring weights fresh sightings.
func (g *GraphBehaviorAnalyzer) NodeActivity(value string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[value]
	if !ok {
		return 0
	}
	score := math.Min(1, float64(node.Sightings)/20)
	age := g.nowFn().Sub(node.LastSeen)
	switch {
	case age < time.Hour:
		score *= 1.2
	case age < 24*time.Hour:
		score *= 1.1
	}
	return math.Min(1, score)
}

// Degree reports how many distinct indicators co-occurred with value.
func (g *GraphBehaviorAnalyzer) Degree(value string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degree[value]
}

// Related walks the co-occurrence graph breadth-first up to maxDepth hops.
func (g *GraphBehaviorAnalyzer) Related(value string, maxDepth int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{value: true}
	frontier := []string{value}
	var related []string
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for _, e := range g.edges {
				var neighbor string
				switch cur {
				case e.From:
					neighbor = e.To
				case e.To:
					neighbor = e.From
				default:
					continue
				}
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				related = append(related, neighbor)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return related
}

// Prune drops nodes and edges not seen within maxAge and returns how many
// nodes were removed.
func (g *GraphBehaviorAnalyzer) Prune(maxAge time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.nowFn().Add(-maxAge)
	removed := 0
	for value, node := range g.nodes {
		if node.LastSeen.Before(cutoff) {
			delete(g.nodes, value)
			removed++
		}
	}
	for key, edge := range g.edges {
		if edge.LastSeen.Before(cutoff) || g.nodes[edge.From] == nil || g.nodes[edge.To] == nil {
			delete(g.edges, key)
		}
	}

	g.degree = make(map[string]int, len(g.nodes))
	for _, e := range g.edges {
		g.degree[e.From]++
		g.degree[e.To]++
	}
	for source, value := range g.lastBySource {
		if g.nodes[value] == nil {
			delete(g.lastBySource, source)
		}
	}
	return removed
}

// Stats summarizes graph size for the status endpoint.
func (g *GraphBehaviorAnalyzer) Stats() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()

	sources := make(map[string]struct{})
	for _, n := range g.nodes {
		for s := range n.Sources {
			sources[s] = struct{}{}
		}
	}
	return map[string]any{
		"nodes":   len(g.nodes),
		"edges":   len(g.edges),
		"sources": len(sources),
	}
}
