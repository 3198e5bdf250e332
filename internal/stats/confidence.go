package stats

// UpdateConfidence nudges a learning's confidence after one application.
// Success grows it toward 1 by growthRate of the remaining headroom;
// failure shrinks it by decayRate of its current value. Result stays in
// [0, 1].
func UpdateConfidence(current float64, success bool, growthRate, decayRate float64) float64 {
	var next float64
	if success {
		next = current + (1-current)*growthRate
	} else {
		next = current - current*decayRate
	}
	if next < 0 {
		return 0
	}
	if next > 1 {
		return 1
	}
	return next
}
