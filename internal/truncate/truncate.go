// Package truncate implements the progressive-tax truncation discipline used
// to fit a set of context files into a model token budget. Items smaller than
// the average deficit are preserved untouched; larger items absorb the
// shortfall in proportion to their size.
package truncate

import (
	"math"
	"strings"
)

// Marker is appended to the content of any item that was cut.
const Marker = "\n... [truncated]"

// charsPerToken is the estimation ratio between characters and tokens.
const charsPerToken = 4

// Mode identifies which branch of the algorithm produced the plan.
type Mode string

const (
	ModeNoTruncation Mode = "no-truncation"
	ModeProtection   Mode = "protection"
	ModeFallback     Mode = "fallback"
)

// Item is a named piece of text competing for the token budget.
type Item struct {
	Name    string
	Content string
}

// Allocation records the budget decision for a single item.
type Allocation struct {
	Name            string
	Tokens          int     // estimated tokens before truncation
	AllocatedTokens float64 // tokens granted by the plan
	AllocatedChars  int     // floor(AllocatedTokens * 4)
	Truncated       bool
	Protected       bool
}

// Stats summarizes a truncation plan.
type Stats struct {
	TotalBefore    int
	TotalAfter     float64
	Target         int
	ItemsProtected int
	ItemsTruncated int
	Mode           Mode
}

// EstimateTokens estimates the token count of a string as ceil(len/4).
func EstimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// Plan computes allocations for the given items against a token target.
// It never returns a negative allocation, and when truncation occurs the
// allocated total matches the target to within rounding error.
func Plan(items []Item, target int) ([]Allocation, Stats) {
	allocs := make([]Allocation, len(items))
	total := 0
	for i, it := range items {
		allocs[i] = Allocation{Name: it.Name, Tokens: EstimateTokens(it.Content)}
		total += allocs[i].Tokens
	}

	stats := Stats{TotalBefore: total, Target: target}

	if len(items) == 0 {
		stats.Mode = ModeNoTruncation
		return allocs, stats
	}

	if target <= 0 {
		// Nothing to hand out; every item is cut to zero.
		stats.Mode = ModeFallback
		for i := range allocs {
			allocs[i].Truncated = allocs[i].Tokens > 0
			if allocs[i].Truncated {
				stats.ItemsTruncated++
			}
		}
		return allocs, stats
	}

	if total <= target {
		stats.Mode = ModeNoTruncation
		for i := range allocs {
			allocs[i].AllocatedTokens = float64(allocs[i].Tokens)
			allocs[i].AllocatedChars = allocs[i].Tokens * charsPerToken
			stats.TotalAfter += allocs[i].AllocatedTokens
		}
		return allocs, stats
	}

	deficit := float64(total - target)
	avgTax := deficit / float64(len(items))

	belowSum := 0
	for _, a := range allocs {
		if float64(a.Tokens) < avgTax {
			belowSum += a.Tokens
		}
	}

	if float64(belowSum) > float64(target) {
		// The small items alone blow the budget; scale everyone uniformly.
		stats.Mode = ModeFallback
		scale := float64(target) / float64(total)
		for i := range allocs {
			allocs[i].AllocatedTokens = float64(allocs[i].Tokens) * scale
			finishAlloc(&allocs[i], &stats)
		}
		return allocs, stats
	}

	stats.Mode = ModeProtection
	aboveSum := float64(total - belowSum)
	for i := range allocs {
		t := float64(allocs[i].Tokens)
		if t < avgTax {
			allocs[i].AllocatedTokens = t
			allocs[i].Protected = true
			stats.ItemsProtected++
			finishAlloc(&allocs[i], &stats)
			continue
		}
		allocs[i].AllocatedTokens = t - (t/aboveSum)*deficit
		if allocs[i].AllocatedTokens < 0 {
			allocs[i].AllocatedTokens = 0
		}
		finishAlloc(&allocs[i], &stats)
	}
	return allocs, stats
}

// finishAlloc derives the char budget and truncation flag from the token
// allocation and folds the item into the running stats.
func finishAlloc(a *Allocation, stats *Stats) {
	a.AllocatedChars = int(math.Floor(a.AllocatedTokens * charsPerToken))
	if a.AllocatedTokens < float64(a.Tokens) {
		a.Truncated = true
		stats.ItemsTruncated++
	}
	stats.TotalAfter += a.AllocatedTokens
}

// Apply plans the items against the target and renders truncated contents.
// Items keep their input order; a truncated item carries its first
// allocated_chars-len(Marker) characters followed by the marker.
func Apply(items []Item, target int) ([]Item, Stats) {
	allocs, stats := Plan(items, target)
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it
		if !allocs[i].Truncated || allocs[i].AllocatedChars >= len(it.Content) {
			continue
		}
		out[i].Content = Render(it.Content, allocs[i].AllocatedChars)
	}
	return out, stats
}

// Render cuts content to fit within budget characters, marker included.
// A budget shorter than the marker yields the marker alone, which is longer
// than the budget.
func Render(content string, budget int) string {
	if budget >= len(content) {
		return content
	}
	cut := budget - len(Marker)
	if cut < 0 {
		cut = 0
	}
	var b strings.Builder
	b.Grow(cut + len(Marker))
	b.WriteString(content[:cut])
	b.WriteString(Marker)
	return b.String()
}
