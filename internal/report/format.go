package report

import "fmt"

// FormatBytes formats byte counts with appropriate units.
func FormatBytes(bytes float64) string {
	return formatWithUnits(bytes, []string{"B", "KB", "MB", "GB", "TB"}, 1000)
}

// FormatBytesPerSecond formats a byte rate with appropriate units.
func FormatBytesPerSecond(bps float64) string {
	return formatWithUnits(bps, []string{"B/s", "KB/s", "MB/s", "GB/s"}, 1000)
}

func formatWithUnits(value float64, units []string, base float64) string {
	if value < 0 {
		return "0 " + units[0]
	}
	idx := 0
	for value >= base && idx < len(units)-1 {
		value /= base
		idx++
	}
	if value >= 100 {
		return fmt.Sprintf("%.0f %s", value, units[idx])
	}
	if value >= 10 {
		return fmt.Sprintf("%.1f %s", value, units[idx])
	}
	return fmt.Sprintf("%.2f %s", value, units[idx])
}
