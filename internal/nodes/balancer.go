// -----------------------------------------------------------------------
// Load Balancer - strategy-dispatched node selection
// -----------------------------------------------------------------------

package nodes

import (
	"math/rand/v2"
	"sync"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// NewBalancer returns the balancer for a configured strategy name. Unknown
// names fall back to least_loaded.
func NewBalancer(strategy string) interfaces.Balancer {
	switch strategy {
	case "round_robin":
		return &roundRobinBalancer{}
	case "random":
		return &randomBalancer{}
	case "weighted":
		return &weightedBalancer{}
	case "priority_based":
		return &priorityBalancer{}
	default:
		return &leastLoadedBalancer{}
	}
}

type roundRobinBalancer struct {
	mu   sync.Mutex
	next int
}

func (b *roundRobinBalancer) Name() string { return "round_robin" }

func (b *roundRobinBalancer) Select(candidates []*models.Node) *models.Node {
	if len(candidates) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	node := candidates[b.next%len(candidates)]
	b.next++
	return node
}

type leastLoadedBalancer struct{}

func (b *leastLoadedBalancer) Name() string { return "least_loaded" }

// Select picks the argmin of load percentage, ties broken by first
// occurrence.
func (b *leastLoadedBalancer) Select(candidates []*models.Node) *models.Node {
	var best *models.Node
	for _, node := range candidates {
		if best == nil || node.LoadPercentage() < best.LoadPercentage() {
			best = node
		}
	}
	return best
}

type randomBalancer struct{}

func (b *randomBalancer) Name() string { return "random" }

func (b *randomBalancer) Select(candidates []*models.Node) *models.Node {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}

type weightedBalancer struct{}

func (b *weightedBalancer) Name() string { return "weighted" }

// Select weights each node by priority scaled down by current load and
// picks proportionally. The 0.1 floor keeps loaded nodes reachable.
func (b *weightedBalancer) Select(candidates []*models.Node) *models.Node {
	if len(candidates) == 0 {
		return nil
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, node := range candidates {
		priority := float64(node.Priority)
		if priority <= 0 {
			priority = 1
		}
		w := priority * (1 - node.LoadPercentage()/100)
		if w < 0.1 {
			w = 0.1
		}
		weights[i] = w
		total += w
	}

	pick := rand.Float64() * total
	for i, w := range weights {
		pick -= w
		if pick <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

type priorityBalancer struct{}

func (b *priorityBalancer) Name() string { return "priority_based" }

// Select filters to the highest-priority group, then takes the least
// loaded within it.
func (b *priorityBalancer) Select(candidates []*models.Node) *models.Node {
	if len(candidates) == 0 {
		return nil
	}

	maxPriority := candidates[0].Priority
	for _, node := range candidates[1:] {
		if node.Priority > maxPriority {
			maxPriority = node.Priority
		}
	}

	group := make([]*models.Node, 0, len(candidates))
	for _, node := range candidates {
		if node.Priority == maxPriority {
			group = append(group, node)
		}
	}
	return (&leastLoadedBalancer{}).Select(group)
}
