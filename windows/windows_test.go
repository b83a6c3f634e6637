package windows

import (
	"testing"
	"time"

	"captrade/models"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		in   []Window
		want []Window
	}{
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
		{
			name: "single window unchanged",
			in:   []Window{{Start: day(1), End: day(5)}},
			want: []Window{{Start: day(1), End: day(5)}},
		},
		{
			name: "overlapping windows collapse",
			in: []Window{
				{Start: day(1), End: day(5)},
				{Start: day(3), End: day(8)},
			},
			want: []Window{{Start: day(1), End: day(8)}},
		},
		{
			name: "touching windows collapse",
			in: []Window{
				{Start: day(1), End: day(5)},
				{Start: day(5), End: day(9)},
			},
			want: []Window{{Start: day(1), End: day(9)}},
		},
		{
			name: "disjoint windows stay separate",
			in: []Window{
				{Start: day(1), End: day(3)},
				{Start: day(10), End: day(12)},
			},
			want: []Window{
				{Start: day(1), End: day(3)},
				{Start: day(10), End: day(12)},
			},
		},
		{
			name: "contained window absorbed",
			in: []Window{
				{Start: day(1), End: day(10)},
				{Start: day(3), End: day(5)},
			},
			want: []Window{{Start: day(1), End: day(10)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.in)
			assertWindows(t, got, tt.want)

			// Merging is idempotent
			again := Merge(got)
			assertWindows(t, again, tt.want)

			// Input order does not matter
			reversed := make([]Window, 0, len(tt.in))
			for i := len(tt.in) - 1; i >= 0; i-- {
				reversed = append(reversed, tt.in[i])
			}
			assertWindows(t, Merge(reversed), tt.want)
		})
	}
}

func assertWindows(t *testing.T, got, want []Window) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d windows, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Start.Equal(want[i].Start) || !got[i].End.Equal(want[i].End) {
			t.Errorf("window %d = %v..%v, want %v..%v", i, got[i].Start, got[i].End, want[i].Start, want[i].End)
		}
	}
}

func TestFromPurchase(t *testing.T) {
	now := day(15)

	active := models.FollowPurchase{Status: models.PurchaseActive, CreatedAt: day(1)}
	w, ok := FromPurchase(active, now)
	if !ok {
		t.Fatal("active purchase should yield a window")
	}
	if !w.Start.Equal(day(1)) || !w.End.Equal(now) {
		t.Errorf("active window = %v..%v, want %v..%v", w.Start, w.End, day(1), now)
	}

	completed := models.FollowPurchase{Status: models.PurchaseCompleted, CreatedAt: day(2), UpdatedAt: day(9)}
	w, ok = FromPurchase(completed, now)
	if !ok || !w.End.Equal(day(9)) {
		t.Errorf("completed window end = %v, want %v", w.End, day(9))
	}

	refunded := models.FollowPurchase{Status: models.PurchaseRefunded, CreatedAt: day(2), UpdatedAt: day(9)}
	if _, ok := FromPurchase(refunded, now); ok {
		t.Error("refunded purchase should not yield a window")
	}

	degenerate := models.FollowPurchase{Status: models.PurchaseCompleted, CreatedAt: day(9), UpdatedAt: day(2)}
	if _, ok := FromPurchase(degenerate, now); ok {
		t.Error("degenerate window (end before start) should be discarded")
	}
}

func TestEligibility(t *testing.T) {
	now := day(20)
	purchases := []models.FollowPurchase{
		{CapperID: "capper-1", Status: models.PurchaseActive, CreatedAt: day(1)},
	}

	byCapper := ByCapper(purchases, now)
	ws := byCapper["capper-1"]

	// Trade created inside the window is eligible
	if !Eligible(ws, day(5)) {
		t.Error("trade created Jan 5 inside [Jan 1, now] should be eligible")
	}
	// Trade created before the window start is not
	if Eligible(ws, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Error("trade created Dec 31 before the window should not be eligible")
	}
}

func TestEligibilityAcrossRenewals(t *testing.T) {
	now := day(25)
	purchases := []models.FollowPurchase{
		{CapperID: "c1", Status: models.PurchaseCompleted, CreatedAt: day(1), UpdatedAt: day(5)},
		{CapperID: "c1", Status: models.PurchaseActive, CreatedAt: day(10)},
	}

	ws := ByCapper(purchases, now)["c1"]
	if len(ws) != 2 {
		t.Fatalf("expected 2 disjoint windows, got %d", len(ws))
	}
	if !Eligible(ws, day(3)) {
		t.Error("trade in older completed window should be eligible")
	}
	if Eligible(ws, day(7)) {
		t.Error("trade in the gap between windows should not be eligible")
	}
	if !Eligible(ws, day(12)) {
		t.Error("trade in the active window should be eligible")
	}
}

func TestRepresentative(t *testing.T) {
	active := models.FollowPurchase{ID: "a", Status: models.PurchaseActive, CreatedAt: day(10)}
	oldCompleted := models.FollowPurchase{ID: "b", Status: models.PurchaseCompleted, CreatedAt: day(1)}
	newCompleted := models.FollowPurchase{ID: "c", Status: models.PurchaseCompleted, CreatedAt: day(5)}

	if got := Representative([]models.FollowPurchase{oldCompleted, active, newCompleted}); got == nil || got.ID != "a" {
		t.Errorf("active purchase should win, got %+v", got)
	}
	if got := Representative([]models.FollowPurchase{oldCompleted, newCompleted}); got == nil || got.ID != "c" {
		t.Errorf("most recent completed purchase should win, got %+v", got)
	}
	if got := Representative(nil); got != nil {
		t.Errorf("no purchases should yield nil, got %+v", got)
	}

	// Defensive tie-break: if multiple actives somehow exist, most recent wins
	older := models.FollowPurchase{ID: "d", Status: models.PurchaseActive, CreatedAt: day(2)}
	if got := Representative([]models.FollowPurchase{older, active}); got == nil || got.ID != "a" {
		t.Errorf("most recent active should win, got %+v", got)
	}
}
