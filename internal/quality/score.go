package quality

import "math"

const (
	maxScoredRTTMillis    = 500
	maxScoredJitterMillis = 100
	maxScoredLoss         = 100

	MinMOS = 1.0
	MaxMOS = 5.0
)

// Score maps average RTT (ms), jitter (ms) and loss (percent) to a MOS in
// [1,5] using a simplified ITU-T G.107 E-model. NaN inputs count as zero.
func Score(avgRTTMillis, jitterMillis, lossPercentage float64) float64 {
	rtt := clampFloat(avgRTTMillis, 0, maxScoredRTTMillis)
	jitter := clampFloat(jitterMillis, 0, maxScoredJitterMillis)
	loss := clampFloat(lossPercentage, 0, maxScoredLoss)

	rFactor := 93.2 - rtt/40 - jitter/10 - 2.5*loss
	mos := 1 + (rFactor-6)*(4.0/94.0)
	return clampFloat(mos, MinMOS, MaxMOS)
}

func clampFloat(val, min, max float64) float64 {
	if math.IsNaN(val) {
		val = 0
	}
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
