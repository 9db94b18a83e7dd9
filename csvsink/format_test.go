package csvsink

import (
	"encoding/csv"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/calvinmclean/servorig"
)

func TestFormatField(t *testing.T) {
	pos := 2048
	var missing *int

	tests := []struct {
		name     string
		in       any
		expected string
	}{
		{"Nil", nil, ""},
		{"NilPointer", missing, ""},
		{"Int", 42, "42"},
		{"IntPointer", &pos, "2048"},
		{"Negative", -7, "-7"},
		{"Float", 1.5, "1.5"},
		{"Bool", true, "true"},
		{"Plain", "abc", "abc"},
		{"Comma", "a,b", `"a,b"`},
		{"Quote", `say "hi"`, `"say ""hi"""`},
		{"Newline", "line1\nline2", "\"line1\nline2\""},
		{"Timestamp", time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC), "2026-03-04T05:06:07.008Z"},
		{"TimestampZone", time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("X", 3600)), "2026-03-04T04:06:07.000Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatField(tt.in)
			if got != tt.expected {
				t.Errorf("expected=%q, got=%q", tt.expected, got)
			}
		})
	}
}

func TestFormatRowRoundTrip(t *testing.T) {
	values := []string{
		"plain",
		"with,comma",
		`with "quotes"`,
		"multi\nline",
		`all, of "them"` + "\n" + "here",
		"",
		`""`,
	}

	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}

	r := csv.NewReader(strings.NewReader(formatRow(row)))
	got, err := r.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, values) {
		t.Errorf("expected=%q, got=%q", values, got)
	}
}

func TestFormatFloatSpecial(t *testing.T) {
	if got := FormatField(math.Inf(1)); got != "+Inf" {
		t.Errorf("unexpected %q", got)
	}
}

func TestHeader(t *testing.T) {
	got := strings.Join(Header(nil), ",")
	if got != "timestamp" {
		t.Errorf("expected=%q, got=%q", "timestamp", got)
	}

	expected := "timestamp,target pos (3),pos (3),speed (3),load (3),current (3),temp (3),status (3),moving (3)," +
		"target pos (1),pos (1),speed (1),load (1),current (1),temp (1),status (1),moving (1)"
	got = strings.Join(Header([]servorig.ActuatorID{3, 1}), ",")
	if got != expected {
		t.Errorf("expected=%q, got=%q", expected, got)
	}
}
