package opt

import "math"

// Point is a coordinate used by the routing heuristics.
type Point struct {
	Lat float64
	Lng float64
}

// ResequenceFromOrigin computes a stop visiting order for an open path that
// starts at origin: nearest-neighbor seed followed by 2-opt improvement.
// Returns indices into stops and the resulting path distance in km.
func ResequenceFromOrigin(origin Point, stops []Point, iterations int) ([]int, float64) {
	if len(stops) == 0 {
		return nil, 0
	}
	order := seedNearestNeighbor(origin, stops)
	order = improve2Opt(origin, stops, order, iterations)
	return order, PathKm(origin, stops, order)
}

// seedNearestNeighbor greedily visits the closest unvisited stop next.
func seedNearestNeighbor(origin Point, stops []Point) []int {
	n := len(stops)
	order := make([]int, 0, n)
	visited := make([]bool, n)
	cur := origin
	for len(order) < n {
		best := -1
		bestD := math.MaxFloat64
		for i := 0; i < n; i++ {
			if visited[i] {
				continue
			}
			d := HaversineKm(cur.Lat, cur.Lng, stops[i].Lat, stops[i].Lng)
			if d < bestD {
				bestD = d
				best = i
			}
		}
		visited[best] = true
		order = append(order, best)
		cur = stops[best]
	}
	return order
}

// improve2Opt applies 2-opt segment reversals while they shorten the path.
func improve2Opt(origin Point, stops []Point, order []int, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]int(nil), order...)
	bestD := PathKm(origin, stops, best)
	n := len(best)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := reverseSegment(best, i, k)
				d := PathKm(origin, stops, cand)
				if d+1e-9 < bestD {
					best = cand
					bestD = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func reverseSegment(order []int, i, k int) []int {
	out := make([]int, len(order))
	copy(out, order[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = order[j]
		pos++
	}
	copy(out[pos:], order[k+1:])
	return out
}

// PathKm is the total open-path distance origin -> stops[order[0]] -> ... in km.
func PathKm(origin Point, stops []Point, order []int) float64 {
	total := 0.0
	cur := origin
	for _, idx := range order {
		next := stops[idx]
		total += HaversineKm(cur.Lat, cur.Lng, next.Lat, next.Lng)
		cur = next
	}
	return total
}

const earthRadiusKm = 6371.0

// HaversineKm is the great-circle distance between two coordinates in km.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
