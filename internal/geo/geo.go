package geo

import (
	"math"

	"github.com/example/safety-net/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// DefaultThresholdMeters is the movement below which a watch sample is not sent.
const DefaultThresholdMeters = 10.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Distance is the great-circle distance between two positions in meters.
func Distance(a, b models.Position) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// ShouldEmit reports whether current moved far enough from last to be worth
// a network update. A nil last always emits.
func ShouldEmit(last *models.Position, current models.Position, thresholdMeters float64) bool {
	if last == nil {
		return true
	}
	return Distance(*last, current) >= thresholdMeters
}

// Gate tracks the last emitted position for a single sample stream.
type Gate struct {
	Threshold float64
	last      *models.Position
}

func NewGate(thresholdMeters float64) *Gate {
	return &Gate{Threshold: thresholdMeters}
}

// Accept records p as the last emitted position when it passes the gate.
func (g *Gate) Accept(p models.Position) bool {
	if !ShouldEmit(g.last, p, g.Threshold) {
		return false
	}
	cp := p
	g.last = &cp
	return true
}

// Reset forgets the last emitted position so the next sample always passes.
func (g *Gate) Reset() { g.last = nil }
