package mcp

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pario-ai/agentgate/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

// FormatCacheStats renders cache stats as text tables.
func FormatCacheStats(stats models.CacheStats) string {
	if stats.TotalEntries == 0 {
		return "Cache is empty."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Cache Statistics\n  Entries: %d\n\n", stats.TotalEntries)

	agents := make([]string, 0, len(stats.PerAgent))
	for a := range stats.PerAgent {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	fmt.Fprintf(&b, "%-20s %10s %10s\n", "Agent", "Entries", "Hits")
	b.WriteString(strings.Repeat("-", 42) + "\n")
	for _, a := range agents {
		s := stats.PerAgent[a]
		fmt.Fprintf(&b, "%-20s %10d %10d\n", a, s.Entries, s.Hits)
	}

	if len(stats.TopEntries) > 0 {
		b.WriteString("\nTop entries\n")
		fmt.Fprintf(&b, "%-20s %-18s %8s  %-20s\n", "Agent", "Fingerprint", "Hits", "Expires")
		b.WriteString(strings.Repeat("-", 70) + "\n")
		for _, e := range stats.TopEntries {
			fp := e.Fingerprint
			if len(fp) > 16 {
				fp = fp[:16]
			}
			fmt.Fprintf(&b, "%-20s %-18s %8d  %-20s\n", e.Agent, fp, e.HitCount, e.ExpiresAt.Format(timeLayout))
		}
	}
	return b.String()
}

// FormatWindows renders rate-limit windows as a text table.
func FormatWindows(windows []models.RateLimitWindow) string {
	if len(windows) == 0 {
		return "No active rate-limit windows."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-32s %8s  %-20s\n", "Agent", "Caller", "Count", "Window Ends")
	b.WriteString(strings.Repeat("-", 84) + "\n")
	for _, w := range windows {
		fmt.Fprintf(&b, "%-20s %-32s %8d  %-20s\n", w.Agent, w.CallerKey, w.RequestCount, w.WindowEnd.Format(timeLayout))
	}
	return b.String()
}

// FormatSweepReport renders a sweep report.
func FormatSweepReport(r models.SweepReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sweep finished in %s\n", r.Duration.Round(time.Microsecond))
	fmt.Fprintf(&b, "  Cache entries reclaimed: %d\n", r.CacheEntries)
	fmt.Fprintf(&b, "  Windows reclaimed:       %d\n", r.Windows)
	if r.CacheError != "" {
		fmt.Fprintf(&b, "  Cache error:  %s\n", r.CacheError)
	}
	if r.WindowError != "" {
		fmt.Fprintf(&b, "  Window error: %s\n", r.WindowError)
	}
	return b.String()
}
