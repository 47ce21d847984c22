// Package quality holds the probe data model and the pure statistics used to
// turn an ordered sequence of probe outcomes into a session result.
package quality

import "time"

// Config defines one probing session against a single target.
type Config struct {
	// Target is the host, IP or endpoint identifier to probe.
	Target string `json:"target"`
	// Count is the number of probes to issue.
	Count int `json:"count"`
	// Timeout bounds the wait for each probe reply.
	Timeout time.Duration `json:"timeout"`
	// Interval is the pacing between probe issue instants.
	Interval time.Duration `json:"interval"`
	// PayloadSize is the probe payload in bytes.
	PayloadSize int `json:"payload_size"`
}

// Outcome is the result of a single probe: either answered with an RTT or lost.
type Outcome struct {
	Lost bool          `json:"lost"`
	RTT  time.Duration `json:"rtt,omitempty"`
}

// Succeeded returns an answered outcome. Negative RTTs are clamped to zero.
func Succeeded(rtt time.Duration) Outcome {
	if rtt < 0 {
		rtt = 0
	}
	return Outcome{RTT: rtt}
}

// Lost returns an unanswered outcome.
func Lost() Outcome {
	return Outcome{Lost: true}
}

// RTTMillis returns the RTT in fractional milliseconds, 0 for lost probes.
func (o Outcome) RTTMillis() float64 {
	if o.Lost {
		return 0
	}
	return float64(o.RTT) / float64(time.Millisecond)
}

// Result contains the statistics derived from one session.
type Result struct {
	// PacketsSent counts answered probes.
	PacketsSent int `json:"packets_sent"`
	// PacketsLost counts unanswered probes.
	PacketsLost int `json:"packets_lost"`
	// Attempted is the number of outcomes the result was computed from.
	Attempted int `json:"attempted"`
	// LossPercentage is 100*PacketsLost/Attempted.
	LossPercentage float64 `json:"loss_percentage"`
	// HasRTT reports whether any probe was answered.
	HasRTT           bool    `json:"has_rtt"`
	AverageRTTMillis float64 `json:"average_rtt_ms"`
	MinRTTMillis     float64 `json:"min_rtt_ms"`
	MaxRTTMillis     float64 `json:"max_rtt_ms"`
	// JitterMillis is the mean absolute difference of consecutive answered RTTs.
	JitterMillis          float64       `json:"jitter_ms"`
	ThroughputBytesPerSec float64       `json:"throughput_bytes_per_sec"`
	MOS                   float64       `json:"mos"`
	Elapsed               time.Duration `json:"elapsed"`
}
