package catalogue

import (
	"fmt"
	"math"
)

// Metric describes the distance function configured on the catalogue.
type Metric struct {
	Name string
	// Operator is the pgvector distance operator.
	Operator string
	// MaxDistance is the upper bound of the metric's range; similarity is scaled by it.
	MaxDistance float64
}

// Cosine distance ranges over [0,2]: 0 for identical direction, 2 for opposite.
var Cosine = Metric{Name: "cosine", Operator: "<=>", MaxDistance: 2}

// Similarity maps a distance to [0,1] as 1 - distance/maxDistance, rounded to 4 decimals.
func Similarity(distance, maxDistance float64) (float64, error) {
	if math.IsNaN(distance) || math.IsInf(distance, 0) {
		return 0, fmt.Errorf("distance %v is undefined", distance)
	}
	if maxDistance <= 0 || math.IsInf(maxDistance, 0) {
		return 0, fmt.Errorf("metric range %v is not bounded", maxDistance)
	}

	s := 1 - distance/maxDistance
	s = math.Max(0, math.Min(1, s))
	return math.Round(s*1e4) / 1e4, nil
}
