// Package report renders session reports for terminals and scripts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/session"
)

// ProbeLine renders one outcome. index is zero based.
func ProbeLine(index int, o quality.Outcome) string {
	if o.Lost {
		return fmt.Sprintf("Packet %d: Lost", index+1)
	}
	return fmt.Sprintf("Packet %d: RTT = %.2f ms", index+1, o.RTTMillis())
}

// Header renders the line printed before probing starts.
func Header(cfg quality.Config, transport string) string {
	return fmt.Sprintf("Probing %s over %s: %d probes of %s", cfg.Target, transport, cfg.Count, FormatBytes(float64(cfg.PayloadSize)))
}

// WriteText writes the per-probe lines followed by the results block.
func WriteText(w io.Writer, r session.Report) error {
	var b strings.Builder
	for i, o := range r.Outcomes {
		b.WriteString(ProbeLine(i, o))
		b.WriteByte('\n')
	}
	writeSummary(&b, r)
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteSummary writes only the results block.
func WriteSummary(w io.Writer, r session.Report) error {
	var b strings.Builder
	writeSummary(&b, r)
	_, err := io.WriteString(w, b.String())
	return err
}

func writeSummary(b *strings.Builder, r session.Report) {
	res := r.Result
	b.WriteString("\n--- Final Results ---")
	switch r.Status {
	case session.StatusCancelled:
		fmt.Fprintf(b, " (Cancelled after %d of %d probes)", res.Attempted, r.Config.Count)
	case session.StatusFailed:
		b.WriteString(" (Failed)")
	}
	b.WriteByte('\n')

	fmt.Fprintf(b, "Total Packets Sent: %d\n", res.PacketsSent)
	fmt.Fprintf(b, "Total Packets Lost: %d\n", res.PacketsLost)
	fmt.Fprintf(b, "Packet Loss Percentage: %.2f%%\n", res.LossPercentage)
	if res.HasRTT {
		fmt.Fprintf(b, "Average RTT: %.2f ms\n", res.AverageRTTMillis)
		fmt.Fprintf(b, "Min/Max RTT: %.2f/%.2f ms\n", res.MinRTTMillis, res.MaxRTTMillis)
	} else {
		b.WriteString("Average RTT: n/a\n")
	}
	fmt.Fprintf(b, "Jitter: %.2f ms\n", res.JitterMillis)
	fmt.Fprintf(b, "Throughput: %.2f KB/s\n", res.ThroughputBytesPerSec/1024)
	fmt.Fprintf(b, "MOS: %.2f / 5.0\n", res.MOS)
	if r.Path != nil {
		if line := pathLine(*r.Path); line != "" {
			fmt.Fprintf(b, "Path: %s\n", line)
		}
	}
	if r.Err != "" {
		fmt.Fprintf(b, "Error: %s\n", r.Err)
	}
}

func pathLine(p session.Path) string {
	var parts []string
	if p.Address != "" {
		parts = append(parts, p.Address)
	}
	if p.Interface != "" {
		parts = append(parts, "dev "+p.Interface)
	}
	if p.Source != "" {
		parts = append(parts, "src "+p.Source)
	}
	if p.Gateway != "" {
		parts = append(parts, "via "+p.Gateway)
	}
	if p.Country != "" {
		parts = append(parts, p.Country)
	}
	if p.ASN != 0 {
		as := fmt.Sprintf("AS%d", p.ASN)
		if p.Organization != "" {
			as += " " + p.Organization
		}
		parts = append(parts, as)
	}
	return strings.Join(parts, " ")
}

// WriteJSON writes r as indented JSON.
func WriteJSON(w io.Writer, r session.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
