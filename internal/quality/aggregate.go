package quality

import "time"

// Aggregate derives loss, RTT, jitter and throughput from outcomes in probe
// index order. MOS is left at zero; use Evaluate for a scored result.
func Aggregate(outcomes []Outcome, elapsed time.Duration, payloadSize int) Result {
	res := Result{
		Attempted: len(outcomes),
		Elapsed:   elapsed,
	}
	rtts := make([]float64, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Lost {
			res.PacketsLost++
			continue
		}
		res.PacketsSent++
		rtts = append(rtts, o.RTTMillis())
	}

	if res.Attempted > 0 {
		res.LossPercentage = clampFloat(100*float64(res.PacketsLost)/float64(res.Attempted), 0, 100)
	}
	if len(rtts) > 0 {
		res.HasRTT = true
		var sum float64
		res.MinRTTMillis = rtts[0]
		res.MaxRTTMillis = rtts[0]
		for _, v := range rtts {
			sum += v
			if v < res.MinRTTMillis {
				res.MinRTTMillis = v
			}
			if v > res.MaxRTTMillis {
				res.MaxRTTMillis = v
			}
		}
		res.AverageRTTMillis = sum / float64(len(rtts))
	}
	res.JitterMillis = computeJitter(rtts)
	res.ThroughputBytesPerSec = throughput(res.PacketsSent, payloadSize, elapsed)
	return res
}

// Evaluate aggregates outcomes and scores the result.
func Evaluate(outcomes []Outcome, elapsed time.Duration, payloadSize int) Result {
	res := Aggregate(outcomes, elapsed, payloadSize)
	res.MOS = Score(res.AverageRTTMillis, res.JitterMillis, res.LossPercentage)
	return res
}

func computeJitter(samples []float64) float64 {
	// Jitter is mean absolute difference between consecutive answered RTTs;
	// lost probes in between are skipped, not treated as gaps.
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		diff := samples[i] - samples[i-1]
		if diff < 0 {
			diff = -diff
		}
		sum += diff
	}
	return sum / float64(len(samples)-1)
}

func throughput(answered, payloadSize int, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 || answered <= 0 || payloadSize <= 0 {
		return 0
	}
	return float64(answered) * float64(payloadSize) / secs
}
