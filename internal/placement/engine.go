// Package placement picks recorder nodes for recording jobs. The engine is a
// pure function over the candidate set it is given; it holds no state and
// takes no locks.
package placement

import (
	"sort"

	"github.com/aura-conference/orchestrator/internal/models"
)

// Requirement describes what a job needs from a recorder.
type Requirement struct {
	Region        string
	Codecs        []string
	EstimatedLoad int // rough cost of the job in capacity slots
	PreferGPU     bool
	MinCores      int
	MinMemoryMB   int64
}

// Score weights. Free capacity dominates; region affinity comes second.
const (
	weightFreeCapacity = 40.0
	bonusRegionMatch   = 25.0
	penaltyCrossRegion = 10.0
	bonusGPUHeavyLoad  = 20.0
	bonusCPULightLoad  = 10.0
	maxCoreScore       = 10.0
	weightLoadRatio    = 5.0
	bonusCodecMatch    = 5.0
)

// SelectRecorder picks the best recorder for the requirement, or nil when no
// candidate survives the hard filters. Ties break on the lexicographically
// smaller id so placement is deterministic.
func SelectRecorder(candidates []*models.RecorderNode, req Requirement) *models.RecorderNode {
	// Availability: healthy with free capacity.
	available := filter(candidates, func(n *models.RecorderNode) bool {
		return n.IsHealthy && n.HasCapacity()
	})
	if len(available) == 0 {
		return nil
	}

	// Region preference, falling back to any region.
	pool := available
	if req.Region != "" {
		if regional := filter(pool, func(n *models.RecorderNode) bool {
			return n.Region == req.Region
		}); len(regional) > 0 {
			pool = regional
		}
	}

	// Codec compatibility, falling back to incompatible nodes (scored down).
	if compatible := filter(pool, func(n *models.RecorderNode) bool {
		return supportsAll(n.SupportedCodecs, req.Codecs)
	}); len(compatible) > 0 {
		pool = compatible
	}

	// Hard hardware floors. These may legitimately empty the pool.
	if req.MinCores > 0 {
		pool = filter(pool, func(n *models.RecorderNode) bool {
			return n.Specs.CPUCores >= req.MinCores
		})
	}
	if req.MinMemoryMB > 0 {
		pool = filter(pool, func(n *models.RecorderNode) bool {
			return n.Specs.MemoryMB >= req.MinMemoryMB
		})
	}
	if len(pool) == 0 {
		return nil
	}
	if req.PreferGPU {
		if gpus := filter(pool, func(n *models.RecorderNode) bool {
			return n.Specs.HasGPU
		}); len(gpus) > 0 {
			pool = gpus
		}
	}

	sort.Slice(pool, func(a, b int) bool { return pool[a].ID < pool[b].ID })

	best := pool[0]
	bestScore := Score(best, req)
	for _, n := range pool[1:] {
		if s := Score(n, req); s > bestScore {
			best, bestScore = n, s
		}
	}
	return best
}

// Score rates one recorder for a requirement. Higher is better; never negative.
func Score(n *models.RecorderNode, req Requirement) float64 {
	score := 0.0

	if n.Capacity > 0 {
		free := float64(n.Capacity-n.CurrentLoad) / float64(n.Capacity)
		score += free * weightFreeCapacity
		score -= float64(n.CurrentLoad) / float64(n.Capacity) * weightLoadRatio
	}

	if req.Region != "" {
		if n.Region == req.Region {
			score += bonusRegionMatch
		} else {
			score -= penaltyCrossRegion
		}
	}

	if n.Specs.HasGPU && req.EstimatedLoad > 2 {
		score += bonusGPUHeavyLoad
	} else if !n.Specs.HasGPU && req.EstimatedLoad <= 1 {
		score += bonusCPULightLoad
	}

	coreScore := float64(n.Specs.CPUCores) * 2
	if coreScore > maxCoreScore {
		coreScore = maxCoreScore
	}
	score += coreScore

	if supportsAll(n.SupportedCodecs, req.Codecs) {
		score += bonusCodecMatch
	} else {
		score -= bonusCodecMatch
	}

	if score < 0 {
		score = 0
	}
	return score
}

// SelectRoomServer picks a room server for a room: a healthy server already
// hosting the room wins, otherwise the least-loaded healthy server by load
// ratio. Returns nil when no healthy server exists.
func SelectRoomServer(servers []*models.RoomServer, roomID string) *models.RoomServer {
	healthy := filterServers(servers, func(s *models.RoomServer) bool { return s.IsHealthy })
	if len(healthy) == 0 {
		return nil
	}
	if roomID != "" {
		for _, s := range healthy {
			for _, room := range s.Rooms {
				if room == roomID {
					return s
				}
			}
		}
	}
	sort.Slice(healthy, func(a, b int) bool { return healthy[a].ID < healthy[b].ID })
	best := healthy[0]
	bestRatio := loadRatio(best)
	for _, s := range healthy[1:] {
		if r := loadRatio(s); r < bestRatio {
			best, bestRatio = s, r
		}
	}
	return best
}

func loadRatio(s *models.RoomServer) float64 {
	if s.Capacity <= 0 {
		return 1
	}
	return float64(s.CurrentLoad) / float64(s.Capacity)
}

func filter(nodes []*models.RecorderNode, keep func(*models.RecorderNode) bool) []*models.RecorderNode {
	var out []*models.RecorderNode
	for _, n := range nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

func filterServers(servers []*models.RoomServer, keep func(*models.RoomServer) bool) []*models.RoomServer {
	var out []*models.RoomServer
	for _, s := range servers {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
