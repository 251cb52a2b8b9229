package api

import (
	"encoding/json"
	"time"

	"github.com/example/safety-net/internal/models"
)

// Peer is a user as the server returns it. Coordinates are GeoJSON [lng, lat].
type Peer struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Location struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	} `json:"location"`
	LocationHidden bool      `json:"locationHidden"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (p Peer) ToPresence() models.PeerPresence {
	out := models.PeerPresence{UserID: p.ID, DisplayName: p.Name, Hidden: p.LocationHidden}
	if len(p.Location.Coordinates) >= 2 {
		out.Position.Lng = p.Location.Coordinates[0]
		out.Position.Lat = p.Location.Coordinates[1]
	}
	out.Position.CapturedAt = p.UpdatedAt
	return out
}

// DecodePeers parses a peer list from a REST body or a nearbyUsersUpdate payload.
func DecodePeers(raw []byte) ([]models.PeerPresence, error) {
	var wire []Peer
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	out := make([]models.PeerPresence, 0, len(wire))
	for _, p := range wire {
		out = append(out, p.ToPresence())
	}
	return out, nil
}

type locationBody struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type hiddenBody struct {
	LocationHidden bool `json:"locationHidden"`
}

type meBody struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
