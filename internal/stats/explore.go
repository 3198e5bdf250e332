package stats

import "math/rand"

// ShouldExplore decides between exploring a new category and exploiting
// known performers. draw is expected in [0,1); callers pass rand.Float64()
// so tests can pin the outcome.
func ShouldExplore(draw, rate float64) bool {
	return draw < rate
}

// DiversityOK reports whether category usage is spread out enough: no
// single category may hold more than threshold of the total.
func DiversityOK(counts map[string]int, threshold float64) bool {
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return true
	}
	for _, n := range counts {
		if float64(n)/float64(total) > threshold {
			return false
		}
	}
	return true
}

// PickExploration chooses the least-used category, breaking ties
// randomly so repeated exploration does not always land on the same one.
func PickExploration(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}

	min := -1
	var candidates []string
	for category, n := range counts {
		switch {
		case min == -1 || n < min:
			min = n
			candidates = candidates[:0]
			candidates = append(candidates, category)
		case n == min:
			candidates = append(candidates, category)
		}
	}
	return candidates[rand.Intn(len(candidates))]
}

// PickExploitation samples uniformly among represented categories
// (count > 0).
func PickExploitation(counts map[string]int) string {
	var represented []string
	for category, n := range counts {
		if n > 0 {
			represented = append(represented, category)
		}
	}
	if len(represented) == 0 {
		return PickExploration(counts)
	}
	return represented[rand.Intn(len(represented))]
}
