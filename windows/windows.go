// Package windows derives the time intervals during which a follower's
// entitlement for a capper was active. A capper trade is visible to a
// follower only if its creation time falls inside one of these intervals.
package windows

import (
	"sort"
	"time"

	"captrade/models"
)

// Window is a half-open-ended follow interval. End is "now" for purchases that
// are still active, or the purchase's completion time otherwise.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window (inclusive bounds).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// FromPurchase converts one purchase into its raw window. Returns false when
// the window is degenerate (end before start) or the purchase is refunded.
func FromPurchase(p models.FollowPurchase, now time.Time) (Window, bool) {
	var end time.Time
	switch p.Status {
	case models.PurchaseActive:
		end = now
	case models.PurchaseCompleted:
		end = p.UpdatedAt
	default:
		return Window{}, false
	}
	if end.Before(p.CreatedAt) {
		return Window{}, false
	}
	return Window{Start: p.CreatedAt, End: end}, true
}

// ByCapper groups purchases by capper and merges each capper's windows.
// Renewals produce overlapping windows that collapse into one interval.
func ByCapper(purchases []models.FollowPurchase, now time.Time) map[string][]Window {
	raw := make(map[string][]Window)
	for _, p := range purchases {
		w, ok := FromPurchase(p, now)
		if !ok {
			continue
		}
		raw[p.CapperID] = append(raw[p.CapperID], w)
	}

	merged := make(map[string][]Window, len(raw))
	for capper, ws := range raw {
		merged[capper] = Merge(ws)
	}
	return merged
}

// Merge collapses overlapping or touching windows into a minimal sorted set.
// Merging an already-merged set yields the same set, and input order does not
// affect the result.
func Merge(ws []Window) []Window {
	if len(ws) <= 1 {
		return append([]Window(nil), ws...)
	}

	sorted := append([]Window(nil), ws...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	out := []Window{sorted[0]}
	for _, w := range sorted[1:] {
		last := &out[len(out)-1]
		if !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// Eligible reports whether a trade created at t is visible through any of the
// merged windows.
func Eligible(ws []Window, t time.Time) bool {
	for _, w := range ws {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// Representative picks the single purchase shown per capper in feed metadata:
// the active purchase if one exists, otherwise the most recently created
// completed purchase. Multiple active rows should not occur (storage enforces
// one active purchase per pair) but the most recent one wins if they do.
func Representative(purchases []models.FollowPurchase) *models.FollowPurchase {
	var active, completed *models.FollowPurchase
	for i := range purchases {
		p := &purchases[i]
		switch p.Status {
		case models.PurchaseActive:
			if active == nil || p.CreatedAt.After(active.CreatedAt) {
				active = p
			}
		case models.PurchaseCompleted:
			if completed == nil || p.CreatedAt.After(completed.CreatedAt) {
				completed = p
			}
		}
	}
	if active != nil {
		return active
	}
	return completed
}
