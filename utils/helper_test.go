package utils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestIsValidPeriod(t *testing.T) {
	valid := []string{"01-2025", "12-2030"}
	for _, p := range valid {
		if !IsValidPeriod(p) {
			t.Errorf("%q must be a valid period", p)
		}
	}
	invalid := []string{"", "13-2025", "00-2025", "1-2025", "2025-01", "01/2025", "ab-2025"}
	for _, p := range invalid {
		if IsValidPeriod(p) {
			t.Errorf("%q must be rejected", p)
		}
	}
}

func TestNormalizeBool(t *testing.T) {
	truthy := []interface{}{true, 1, float64(1), "true", "YES", " evet "}
	for _, v := range truthy {
		got := NormalizeBool(v)
		if got == nil || !*got {
			t.Errorf("NormalizeBool(%v) must be true", v)
		}
	}
	falsy := []interface{}{false, 0, "false", "no", "hayır", "hayir", "0"}
	for _, v := range falsy {
		got := NormalizeBool(v)
		if got == nil || *got {
			t.Errorf("NormalizeBool(%v) must be false", v)
		}
	}
	for _, v := range []interface{}{"maybe", "", nil, []int{1}} {
		if NormalizeBool(v) != nil {
			t.Errorf("NormalizeBool(%v) must be nil for unrecognized input", v)
		}
	}
}

func TestCanonicalItemName(t *testing.T) {
	// Turkish casing: dotted i uppercases to İ, dotless ı to I.
	if got := CanonicalItemName("  kitap  "); got != "KİTAP" {
		t.Fatalf("got %q, want KİTAP", got)
	}
	if got := CanonicalItemName("kırtasiye"); got != "KIRTASİYE" {
		t.Fatalf("got %q, want KIRTASİYE", got)
	}
}

func TestNormalizeIntSet(t *testing.T) {
	got := NormalizeIntSet([]int{5, 0, 3, 5, 1, 0})
	want := []int{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseFlexibleDecimal(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{"12.50", "12.5"},
		{" 7 ", "7"},
		{float64(3.25), "3.25"},
		{42, "42"},
		{nil, "0"},
		{decimal.RequireFromString("9.9"), "9.9"},
	}
	for _, c := range cases {
		got, err := ParseFlexibleDecimal(c.in)
		if err != nil {
			t.Fatalf("ParseFlexibleDecimal(%v): %v", c.in, err)
		}
		if !got.Equal(decimal.RequireFromString(c.want)) {
			t.Fatalf("ParseFlexibleDecimal(%v) = %s, want %s", c.in, got, c.want)
		}
	}

	if _, err := ParseFlexibleDecimal("not a number"); err == nil {
		t.Fatal("garbage string must error")
	}
	if _, err := ParseFlexibleDecimal([]string{"1"}); err == nil {
		t.Fatal("unsupported type must error")
	}
}
