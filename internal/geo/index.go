package geo

import (
	"context"
	"sync"

	"github.com/example/safety-net/internal/models"
)

// Index mirrors the latest presence set so it can be queried by distance.
// Replace swaps the whole set; readers never observe a partial update.
type Index interface {
	Replace(ctx context.Context, peers []models.PeerPresence) error
	Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.PeerPresence, error)
}

type MemoryIndex struct {
	mu    sync.RWMutex
	peers map[string]models.PeerPresence
}

func NewIndex() *MemoryIndex {
	return &MemoryIndex{peers: make(map[string]models.PeerPresence)}
}

func (g *MemoryIndex) Replace(_ context.Context, peers []models.PeerPresence) error {
	next := make(map[string]models.PeerPresence, len(peers))
	for _, p := range peers {
		next[p.UserID] = p
	}
	g.mu.Lock()
	g.peers = next
	g.mu.Unlock()
	return nil
}

// naive scan; the set is bounded by what the server considers nearby
func (g *MemoryIndex) Nearby(_ context.Context, lat, lng float64, limit int) ([]models.PeerPresence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.PeerPresence
		dist float64
	}
	arr := make([]pair, 0, len(g.peers))
	for _, p := range g.peers {
		if p.Hidden {
			continue
		}
		arr = append(arr, pair{p, Haversine(lat, lng, p.Position.Lat, p.Position.Lng)})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist || (arr[j].dist == arr[minIdx].dist && arr[j].p.UserID < arr[minIdx].p.UserID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.PeerPresence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].p)
	}
	return out, nil
}
