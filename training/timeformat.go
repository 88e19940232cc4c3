package training

import (
	"fmt"
	"time"
)

// FormatDuration renders a duration for training progress lines, dropping
// leading units that are zero: "2 hours, 5 minutes, 12.50s", "5 minutes,
// 12.50s", or "12.50s".
func FormatDuration(d time.Duration) string {
	t := d.Seconds()
	hours := int(t) / 3600
	minutes := (int(t) % 3600) / 60
	seconds := t - float64(hours*3600) - float64(minutes*60)

	if hours > 0 {
		return fmt.Sprintf("%d hours, %d minutes, %.2fs", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%d minutes, %.2fs", minutes, seconds)
	}
	return fmt.Sprintf("%.2fs", seconds)
}
