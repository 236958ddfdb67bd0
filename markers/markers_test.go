package markers

import (
	"math"
	"strconv"
	"sync"
	"testing"
	"time"
)

type names map[string]string

func (n names) DisplayName(id string) (string, bool) {
	v, ok := n[id]
	return v, ok
}

func at(sec int) time.Time { return time.Unix(int64(sec), 0) }

func TestAggregator_ApplyIsIdempotent(t *testing.T) {
	a := New(names{"b": "Bob"})
	a.Begin("S1")

	s := Sample{EventID: "e1", UserID: "b", Lat: 1.0, Lon: 2.0, Time: at(1)}
	m, ok := a.Apply("S1", s)
	if !ok {
		t.Fatal("expected first delivery to update")
	}
	if m.DisplayName != "Bob" || m.Lat != 1.0 || m.Lon != 2.0 {
		t.Fatalf("unexpected marker %+v", m)
	}
	for i := 0; i < 3; i++ {
		if _, ok := a.Apply("S1", s); ok {
			t.Fatal("redelivery must not update")
		}
	}
	if a.Len() != 1 || len(a.History()) != 1 {
		t.Fatalf("expected 1 marker and 1 point, got %d and %d", a.Len(), len(a.History()))
	}
}

func TestAggregator_NameFallback(t *testing.T) {
	t.Run("resolver miss", func(t *testing.T) {
		a := New(names{})
		a.Begin("S1")
		m, _ := a.Apply("S1", Sample{EventID: "e", UserID: "u9", Time: at(1)})
		if m.DisplayName != "u9" {
			t.Fatalf("expected user id fallback, got %q", m.DisplayName)
		}
	})
	t.Run("empty name", func(t *testing.T) {
		a := New(names{"u9": ""})
		a.Begin("S1")
		m, _ := a.Apply("S1", Sample{EventID: "e", UserID: "u9", Time: at(1)})
		if m.DisplayName != "u9" {
			t.Fatalf("expected user id fallback, got %q", m.DisplayName)
		}
	})
	t.Run("nil resolver", func(t *testing.T) {
		a := New(nil)
		a.Begin("S1")
		m, _ := a.Apply("S1", Sample{EventID: "e", UserID: "u9", Time: at(1)})
		if m.DisplayName != "u9" {
			t.Fatalf("expected user id fallback, got %q", m.DisplayName)
		}
	})
}

func TestAggregator_SessionScope(t *testing.T) {
	a := New(nil)
	if _, ok := a.Apply("S1", Sample{EventID: "e0", UserID: "u", Time: at(1)}); ok {
		t.Fatal("idle aggregator must ignore samples")
	}
	a.Begin("S1")
	if _, ok := a.Apply("S2", Sample{EventID: "e1", UserID: "u", Time: at(1)}); ok {
		t.Fatal("sample for another session must be ignored")
	}
	a.Apply("S1", Sample{EventID: "e2", UserID: "u", Time: at(1)})
	if !a.Reset() {
		t.Fatal("expected reset to report discarded state")
	}
	if a.Len() != 0 || len(a.History()) != 0 || a.Session() != "" {
		t.Fatal("expected empty after reset")
	}
	if a.Reset() {
		t.Fatal("second reset has nothing to discard")
	}
}

func TestAggregator_OlderSampleDoesNotMoveMarker(t *testing.T) {
	a := New(nil)
	a.Begin("S1")
	a.Apply("S1", Sample{EventID: "new", UserID: "u", Lat: 5, Lon: 5, Time: at(10)})
	if _, ok := a.Apply("S1", Sample{EventID: "old", UserID: "u", Lat: 1, Lon: 1, Time: at(5)}); ok {
		t.Fatal("older sample must not move the marker")
	}
	m, _ := a.Marker("u")
	if m.Lat != 5 {
		t.Fatalf("expected marker to stay at newest fix, got %+v", m)
	}
	if len(a.History()) != 2 {
		t.Fatal("older sample still belongs to the history")
	}
}

func TestAggregator_Rename(t *testing.T) {
	n := names{"u": "Old"}
	a := New(n)
	a.Begin("S1")
	a.Apply("S1", Sample{EventID: "e", UserID: "u", Time: at(1)})

	if _, ok := a.Rename("u"); ok {
		t.Fatal("unchanged name must not report an update")
	}
	n["u"] = "New"
	m, ok := a.Rename("u")
	if !ok || m.DisplayName != "New" {
		t.Fatalf("expected rename, got %+v %v", m, ok)
	}
	if _, ok := a.Rename("nobody"); ok {
		t.Fatal("unknown user has no marker to rename")
	}
}

func TestAggregator_HistorySummaries(t *testing.T) {
	a := New(nil)
	a.Begin("S1")
	a.Apply("S1", Sample{EventID: "1", UserID: "u", Lat: 0, Lon: 0, Time: at(1)})
	a.Apply("S1", Sample{EventID: "3", UserID: "u", Lat: 2, Lon: 0, Time: at(3)})
	a.Apply("S1", Sample{EventID: "2", UserID: "u", Lat: 1, Lon: 0, Time: at(2)})
	a.Apply("S1", Sample{EventID: "4", UserID: "v", Lat: -1, Lon: 3, Time: at(1)})

	b := a.Bounds()
	if b.Min.Lat != -1 || b.Max.Lat != 2 || b.Max.Lon != 3 {
		t.Fatalf("unexpected bounds %+v", b)
	}
	// Sorted by time the track is 0 -> 1 -> 2 degrees, not 0 -> 2 -> 1.
	if got := a.TrackLength("u"); math.Abs(got-222390) > 50 {
		t.Fatalf("expected ~222390m, got %v", got)
	}
	if a.TrackLength("nobody") != 0 {
		t.Fatal("expected zero length without points")
	}
}

func TestAggregator_WithoutHistory(t *testing.T) {
	a := New(nil, WithoutHistory())
	a.Begin("S1")
	a.Apply("S1", Sample{EventID: "1", UserID: "u", Time: at(1)})
	if len(a.History()) != 0 || !a.Bounds().Empty() {
		t.Fatal("history must be disabled")
	}
	if a.Len() != 1 {
		t.Fatal("markers are still tracked")
	}
}

func TestAggregator_ConcurrentReadsSeeConsistentSnapshots(t *testing.T) {
	a := New(nil)
	a.Begin("S1")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			a.Apply("S1", Sample{EventID: strconv.Itoa(i), UserID: "u", Lat: float64(i), Lon: float64(i), Time: at(i)})
		}
	}()
	for i := 0; i < 500; i++ {
		for _, m := range a.Markers() {
			if m.Lat != m.Lon {
				t.Fatalf("torn marker %+v", m)
			}
		}
	}
	wg.Wait()
}
