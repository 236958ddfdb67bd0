package store

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestFilter_Match(t *testing.T) {
	doc := Document{Collection: "GPSData", ID: "abc", Fields: Fields{"sessionID": "S1", "lat": 1.0, "count": int32(3)}}

	t.Run("empty matches all", func(t *testing.T) {
		if !(Filter{}).Match(doc) {
			t.Fatal("expected empty filter to match")
		}
	})
	t.Run("field equality", func(t *testing.T) {
		if !(Filter{"sessionID": "S1"}).Match(doc) {
			t.Fatal("expected sessionID match")
		}
		if (Filter{"sessionID": "S2"}).Match(doc) {
			t.Fatal("expected sessionID mismatch")
		}
	})
	t.Run("numeric types compare by value", func(t *testing.T) {
		if !(Filter{"count": 3.0}).Match(doc) {
			t.Fatal("expected int32 field to match float filter")
		}
		if !(Filter{"lat": json.Number("1")}).Match(doc) {
			t.Fatal("expected json.Number filter to match")
		}
	})
	t.Run("missing field", func(t *testing.T) {
		if (Filter{"owner": "u"}).Match(doc) {
			t.Fatal("expected missing field not to match")
		}
	})
	t.Run("id selector", func(t *testing.T) {
		if !(Filter{FieldID: "abc"}).Match(doc) {
			t.Fatal("expected id match")
		}
		if (Filter{FieldID: "xyz"}).Match(doc) {
			t.Fatal("expected id mismatch")
		}
	})
}

func TestUpdate_ApplyPreservesOtherFields(t *testing.T) {
	fields := Fields{"title": "Hike", "owner": "u1", "active": true, "note": "x"}
	changed, cleared := Update{Set: Fields{"active": false, "owner": "u1"}, Unset: []string{"note", "missing"}}.Apply(fields)

	if len(changed) != 1 || changed["active"] != false {
		t.Fatalf("expected only active to change, got %v", changed)
	}
	if len(cleared) != 1 || cleared[0] != "note" {
		t.Fatalf("expected note cleared, got %v", cleared)
	}
	if fields["title"] != "Hike" || fields["owner"] != "u1" {
		t.Fatalf("expected untouched fields preserved, got %v", fields)
	}
	if _, ok := fields["note"]; ok {
		t.Fatal("expected note removed")
	}
}

func TestDiff(t *testing.T) {
	changed, cleared := Diff(Fields{"a": 1, "b": "x", "c": true}, Fields{"a": 1.0, "b": "y", "d": 4})
	if len(changed) != 2 || changed["b"] != "y" || changed["d"] != 4 {
		t.Fatalf("unexpected changed set %v", changed)
	}
	if len(cleared) != 1 || cleared[0] != "c" {
		t.Fatalf("unexpected cleared set %v", cleared)
	}
}

func TestDocument_Accessors(t *testing.T) {
	d := Document{Fields: Fields{"s": "v", "f": int64(5), "frac": 1.5, "b": true}}
	if s, ok := d.String("s"); !ok || s != "v" {
		t.Fatalf("String: %q %v", s, ok)
	}
	if _, ok := d.String("f"); ok {
		t.Fatal("String on number should fail")
	}
	if f, ok := d.Float("f"); !ok || f != 5 {
		t.Fatalf("Float: %v %v", f, ok)
	}
	if n, ok := d.Int64("f"); !ok || n != 5 {
		t.Fatalf("Int64: %v %v", n, ok)
	}
	if _, ok := d.Int64("frac"); ok {
		t.Fatal("Int64 on fractional value should fail")
	}
	if b, ok := d.Bool("b"); !ok || !b {
		t.Fatalf("Bool: %v %v", b, ok)
	}
}

func TestPublications_Resolve(t *testing.T) {
	pubs := Publications{
		"all":     All("Users"),
		"session": ByField("GPSData", "sessionID"),
	}

	coll, f, err := pubs.Resolve("all", nil)
	if err != nil || coll != "Users" || len(f) != 0 {
		t.Fatalf("all: %q %v %v", coll, f, err)
	}

	coll, f, err = pubs.Resolve("session", []any{"S1"})
	if err != nil || coll != "GPSData" || f["sessionID"] != "S1" {
		t.Fatalf("session: %q %v %v", coll, f, err)
	}

	_, _, err = pubs.Resolve("session", nil)
	if !errors.Is(err, &Error{Code: CodeBadRequest}) {
		t.Fatalf("expected bad request, got %v", err)
	}

	_, _, err = pubs.Resolve("nope", nil)
	if !errors.Is(err, &Error{Code: CodeNotFound}) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !IsRejection(err) {
		t.Fatal("expected rejection")
	}
}
