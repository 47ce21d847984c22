package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/nqprobe/internal/quality"
	"github.com/NodePath81/nqprobe/internal/session"
)

func sampleReport(status session.Status) session.Report {
	outcomes := []quality.Outcome{
		quality.Succeeded(20 * time.Millisecond),
		quality.Lost(),
		quality.Succeeded(30 * time.Millisecond),
	}
	return session.Report{
		ID:        "abc",
		Target:    "192.0.2.1",
		Transport: "udp",
		Status:    status,
		Config:    quality.Config{Target: "192.0.2.1", Count: 3, PayloadSize: 1024},
		Result:    quality.Evaluate(outcomes, time.Second, 1024),
		Outcomes:  outcomes,
	}
}

func TestProbeLine(t *testing.T) {
	if got := ProbeLine(0, quality.Succeeded(12340*time.Microsecond)); got != "Packet 1: RTT = 12.34 ms" {
		t.Fatalf("answered line = %q", got)
	}
	if got := ProbeLine(41, quality.Lost()); got != "Packet 42: Lost" {
		t.Fatalf("lost line = %q", got)
	}
}

func TestWriteText(t *testing.T) {
	r := sampleReport(session.StatusCompleted)
	var buf bytes.Buffer
	if err := WriteText(&buf, r); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	want := strings.Join([]string{
		"Packet 1: RTT = 20.00 ms",
		"Packet 2: Lost",
		"Packet 3: RTT = 30.00 ms",
		"",
		"--- Final Results ---",
		"Total Packets Sent: 2",
		"Total Packets Lost: 1",
		"Packet Loss Percentage: 33.33%",
		"Average RTT: 25.00 ms",
		"Min/Max RTT: 20.00/30.00 ms",
		"Jitter: 10.00 ms",
		"Throughput: 2.00 KB/s",
		fmt.Sprintf("MOS: %.2f / 5.0", r.Result.MOS),
		"",
	}, "\n")
	if buf.String() != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestWriteSummaryTags(t *testing.T) {
	cancelled := sampleReport(session.StatusCancelled)
	cancelled.Config.Count = 10
	var buf bytes.Buffer
	if err := WriteSummary(&buf, cancelled); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}
	if !strings.Contains(buf.String(), "--- Final Results --- (Cancelled after 3 of 10 probes)") {
		t.Fatalf("missing cancelled tag:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "Packet 1:") {
		t.Fatalf("summary should not include probe lines")
	}

	failed := sampleReport(session.StatusFailed)
	failed.Err = "transport: unavailable"
	buf.Reset()
	_ = WriteSummary(&buf, failed)
	if !strings.Contains(buf.String(), "(Failed)") || !strings.Contains(buf.String(), "Error: transport: unavailable") {
		t.Fatalf("missing failure details:\n%s", buf.String())
	}
}

func TestWriteSummaryNoAnswers(t *testing.T) {
	outcomes := []quality.Outcome{quality.Lost(), quality.Lost()}
	r := session.Report{
		Status:   session.StatusCompleted,
		Result:   quality.Evaluate(outcomes, time.Second, 56),
		Outcomes: outcomes,
	}
	var buf bytes.Buffer
	_ = WriteSummary(&buf, r)
	out := buf.String()
	if !strings.Contains(out, "Average RTT: n/a") || !strings.Contains(out, "Packet Loss Percentage: 100.00%") {
		t.Fatalf("unexpected all-lost summary:\n%s", out)
	}
	if !strings.Contains(out, "MOS: 1.00 / 5.0") {
		t.Fatalf("all-lost MOS should be 1.00:\n%s", out)
	}
}

func TestWriteSummaryPath(t *testing.T) {
	r := sampleReport(session.StatusCompleted)
	r.Path = &session.Path{Address: "192.0.2.1", Interface: "eth0", Gateway: "10.0.0.1", Country: "DE", ASN: 64500, Organization: "Example"}
	var buf bytes.Buffer
	_ = WriteSummary(&buf, r)
	if !strings.Contains(buf.String(), "Path: 192.0.2.1 dev eth0 via 10.0.0.1 DE AS64500 Example\n") {
		t.Fatalf("unexpected path line:\n%s", buf.String())
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleReport(session.StatusCompleted)); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var decoded session.Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "abc" || decoded.Result.PacketsLost != 1 || len(decoded.Outcomes) != 3 {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[float64]string{
		56:      "56.0 B",
		1024:    "1.02 KB",
		1500000: "1.50 MB",
		-1:      "0 B",
	}
	for in, want := range cases {
		if got := FormatBytes(in); got != want {
			t.Fatalf("FormatBytes(%v) = %q, want %q", in, got, want)
		}
	}
	if got := FormatBytesPerSecond(250000); got != "250 KB/s" {
		t.Fatalf("FormatBytesPerSecond = %q", got)
	}
}
