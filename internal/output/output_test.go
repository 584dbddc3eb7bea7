package output

import (
	"strings"
	"testing"
	"time"

	"github.com/marcus/tally/internal/models"
)

func TestFormatTimeAgo(t *testing.T) {
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "just now"},
		{59 * time.Second, "just now"},
		{time.Minute, "1m ago"},
		{30 * time.Minute, "30m ago"},
		{time.Hour, "1h ago"},
		{23 * time.Hour, "23h ago"},
		{24 * time.Hour, "1d ago"},
		{6 * 24 * time.Hour, "6d ago"},
	}
	for _, tc := range tests {
		if got := FormatTimeAgo(time.Now().Add(-tc.ago)); got != tc.want {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.ago, got, tc.want)
		}
	}

	old := time.Now().Add(-30 * 24 * time.Hour)
	if got := FormatTimeAgo(old); got != old.Format("2006-01-02") {
		t.Errorf("FormatTimeAgo(30d) = %q", got)
	}
}

func TestEntityLabel(t *testing.T) {
	tests := []struct {
		e    models.Entity
		want string
	}{
		{models.Entity{"name": "Acme", "title": "x"}, "Acme"},
		{models.Entity{"title": "Order stock"}, "Order stock"},
		{models.Entity{"name": "", "category": "rent"}, "rent"},
		{models.Entity{"amount": 10.0}, ""},
	}
	for _, tc := range tests {
		if got := EntityLabel(tc.e); got != tc.want {
			t.Errorf("EntityLabel(%v) = %q, want %q", tc.e, got, tc.want)
		}
	}
}

func TestFormatEntityShort(t *testing.T) {
	e := models.Entity{"id": "c1", "name": "Acme", "updatedAt": time.Now().Add(-2 * time.Hour)}
	got := FormatEntityShort(e)
	for _, want := range []string{"c1", "Acme", "2h ago"} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatEntityShort missing %q: %q", want, got)
		}
	}
}

func TestFormatEntityLong(t *testing.T) {
	e := models.Entity{"id": "r1", "amount": 150.0, "paid": true, "note": nil, "tags": []any{"cash"}}
	got := FormatEntityLong(models.Receipts, e)

	if !strings.Contains(got, "receipts/r1") {
		t.Fatalf("missing header: %q", got)
	}
	for _, want := range []string{"150", "true", `["cash"]`} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
	// keys sorted: amount, note, paid, tags
	if strings.Index(got, "amount") > strings.Index(got, "tags") {
		t.Errorf("keys not sorted: %q", got)
	}
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	tests := []struct {
		v    any
		want string
	}{
		{"plain", "plain"},
		{12.5, "12.5"},
		{false, "false"},
		{ts, "2024-05-01 09:30:00"},
		{map[string]any{"a": 1.0}, `{"a":1}`},
	}
	for _, tc := range tests {
		if got := FormatValue(tc.v); got != tc.want {
			t.Errorf("FormatValue(%v) = %q, want %q", tc.v, got, tc.want)
		}
	}
}

func TestFormatMutation(t *testing.T) {
	m := models.Mutation{Seq: 7, Op: models.OpUpdate, Collection: models.Tasks, EntityID: "t1", CreatedAt: time.Now()}
	got := FormatMutation(m)
	if !strings.Contains(got, "#7") || !strings.Contains(got, "tasks/t1") {
		t.Fatalf("FormatMutation = %q", got)
	}
	if strings.Contains(got, "failed") {
		t.Fatalf("fresh mutation shows failures: %q", got)
	}

	m.Attempts, m.LastError = 3, "HTTP 503"
	if got := FormatMutation(m); !strings.Contains(got, "3 failed: HTTP 503") {
		t.Fatalf("FormatMutation = %q", got)
	}
}

func TestFormatState(t *testing.T) {
	for _, s := range []string{"active", "subscribing", "stalled", "unsubscribed"} {
		if !strings.Contains(FormatState(s), s) {
			t.Errorf("FormatState(%q) lost the name", s)
		}
	}
	if FormatState("weird") != "weird" {
		t.Error("unknown state should be returned as-is")
	}
}

func TestSectionHeader(t *testing.T) {
	if got := SectionHeader("Sync history"); got != "\nSYNC HISTORY:\n" {
		t.Errorf("SectionHeader = %q", got)
	}
}

func TestIndentString(t *testing.T) {
	if got := IndentString("a\nb", 2); got != "  a\n  b" {
		t.Errorf("IndentString = %q", got)
	}
	if IndentString("", 4) != "" {
		t.Error("empty string should stay empty")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		s    string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated", 5, "trun…"},
		{"ünïcödé", 4, "ünï…"},
		{"x", 0, "x"},
	}
	for _, tc := range tests {
		if got := Truncate(tc.s, tc.n); got != tc.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tc.s, tc.n, got, tc.want)
		}
	}
}
