package bybit

import (
	"testing"

	"arbflow/models"
)

func TestNormalizeStatus(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"New", models.OrderStatusNew},
		{"Untriggered", models.OrderStatusNew},
		{"PartiallyFilled", models.OrderStatusPartiallyFilled},
		{"Filled", models.OrderStatusFilled},
		{"Cancelled", models.OrderStatusCanceled},
		{"PartiallyFilledCanceled", models.OrderStatusCanceled},
		{"Deactivated", models.OrderStatusCanceled},
		{"Rejected", models.OrderStatusRejected},
		{"SomethingNew", "SomethingNew"},
	}
	for _, c := range cases {
		if got := normalizeStatus(c.in); got != c.want {
			t.Errorf("normalizeStatus(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseOrderID(t *testing.T) {
	id, err := parseOrderID("123456789")
	if err != nil || id != 123456789 {
		t.Fatalf("parseOrderID: id=%d err=%v", id, err)
	}
	if _, err := parseOrderID("b-uuid-style"); err == nil {
		t.Fatal("non-numeric order id accepted")
	}
}

func TestParseRowsSkipsMalformed(t *testing.T) {
	rows := [][2]string{
		{"50000.5", "1.25"},
		{"bad", "1"},
		{"50001", "bad"},
		{"0", "2"}, // non-positive price
		{"49999", "0"},
	}
	got := parseRows(rows)
	if len(got) != 2 {
		t.Fatalf("parsed %d levels, want 2: %+v", len(got), got)
	}
	if got[0].Price != 50000.5 || got[0].Quantity != 1.25 {
		t.Fatalf("first level = %+v", got[0])
	}
	// Zero quantity survives parsing: it is the deletion marker downstream.
	if got[1].Price != 49999 || got[1].Quantity != 0 {
		t.Fatalf("second level = %+v", got[1])
	}
}
