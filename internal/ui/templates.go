// -------------------------------------------------------------------------------
// UI Templates - Embedded HTML
//
// Author: Alex Freidah
//
// Loads the dashboard template from the embedded filesystem and provides
// helper functions for formatting sizes, counts, and utilization bars.
// -------------------------------------------------------------------------------

package ui

import (
	"embed"
	"fmt"
	"html/template"

	"github.com/dustin/go-humanize"

	"github.com/afreidah/spotkeeper/internal/store"
)

//go:embed templates/*.html
var embeddedFS embed.FS

func loadTemplates() *template.Template {
	funcMap := template.FuncMap{
		"formatBytes":  formatBytes,
		"formatNumber": formatNumber,
		"pct":          pct,
		"pctFloat":     pctFloat,
		"barColor":     barColor,
		"withoutPhoto": withoutPhoto,
	}
	return template.Must(
		template.New("").Funcs(funcMap).ParseFS(embeddedFS, "templates/*.html"),
	)
}

// formatBytes converts a byte count to a human-readable IEC string.
func formatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// formatNumber formats an integer with comma separators.
func formatNumber(n int64) string {
	return humanize.Comma(n)
}

// withoutPhoto counts spots with neither a mirrored photo nor a reference.
func withoutPhoto(s store.SpotStats) int64 {
	return s.Total - s.WithPhoto - s.PendingPhoto
}

// pct returns a formatted percentage string, or "unlimited" if limit is 0.
func pct(used, limit int64) string {
	if limit == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.1f%%", float64(used)/float64(limit)*100)
}

// pctFloat returns the percentage as a float for use in width styles.
func pctFloat(used, limit int64) float64 {
	if limit == 0 {
		return 0
	}
	v := float64(used) / float64(limit) * 100
	if v > 100 {
		return 100
	}
	return v
}

// barColor returns a CSS color based on the usage percentage.
func barColor(used, limit int64) string {
	if limit == 0 {
		return "#6b7280"
	}
	p := float64(used) / float64(limit) * 100
	switch {
	case p >= 90:
		return "#ef4444"
	case p >= 70:
		return "#f59e0b"
	default:
		return "#22c55e"
	}
}
