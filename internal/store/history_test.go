package store

import (
	"strings"
	"testing"
	"time"
)

func hi(role, text string, at time.Time) HistoryItem {
	return HistoryItem{Role: role, Text: text, CreatedAt: at}
}

var t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func TestShapeHistoryMergesAscending(t *testing.T) {
	user := []HistoryItem{
		hi("user", "third", at(30)),
		hi("user", "first", at(10)),
	}
	assistant := []HistoryItem{
		hi("assistant", "second", at(20)),
		hi("assistant", "fourth", at(40)),
	}

	got := ShapeHistory(user, assistant, 10, 0, 0, 0)

	want := []string{"first", "second", "third", "fourth"}
	if len(got) != len(want) {
		t.Fatalf("ShapeHistory returned %d items, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("item %d = %q, want %q", i, got[i].Text, w)
		}
	}
}

func TestShapeHistoryKeepsLastPairs(t *testing.T) {
	var user, assistant []HistoryItem
	for i := 0; i < 10; i++ {
		user = append(user, hi("user", "u"+string(rune('0'+i)), at(i*10)))
		assistant = append(assistant, hi("assistant", "a"+string(rune('0'+i)), at(i*10+5)))
	}

	got := ShapeHistory(user, assistant, 2, 0, 0, 0)
	if len(got) != 4 {
		t.Fatalf("ShapeHistory kept %d items, want 4", len(got))
	}
	if got[0].Text != "u8" || got[3].Text != "a9" {
		t.Errorf("window = %q..%q, want u8..a9", got[0].Text, got[3].Text)
	}
}

func TestShapeHistoryDedupsConsecutive(t *testing.T) {
	// A buffered aggregate and its fragment both persisted: same role+text
	// adjacent after the merge.
	user := []HistoryItem{
		hi("user", "hello there", at(10)),
		hi("user", "hello there", at(11)),
		hi("user", "hello there", at(30)), // not adjacent to an identical one after an assistant reply
	}
	assistant := []HistoryItem{
		hi("assistant", "hi", at(20)),
	}

	got := ShapeHistory(user, assistant, 10, 0, 0, 0)

	want := []struct{ role, text string }{
		{"user", "hello there"},
		{"assistant", "hi"},
		{"user", "hello there"},
	}
	if len(got) != len(want) {
		t.Fatalf("ShapeHistory returned %d items, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Role != w.role || got[i].Text != w.text {
			t.Errorf("item %d = (%s, %q), want (%s, %q)", i, got[i].Role, got[i].Text, w.role, w.text)
		}
	}
}

func TestSoftTrimDropsMiddle(t *testing.T) {
	items := []HistoryItem{
		hi("user", strings.Repeat("a", 100), at(1)),
		hi("assistant", strings.Repeat("b", 100), at(2)),
		hi("user", strings.Repeat("c", 100), at(3)),
		hi("assistant", strings.Repeat("d", 100), at(4)),
		hi("user", strings.Repeat("e", 100), at(5)),
	}

	// Total 500 > 300. The head window accumulates until it reaches 150,
	// taking items a (100) and b (crosses the budget); the tail window takes
	// e and d the same way. Only c is dropped.
	got := softTrim(items, 300, 150, 150)
	want := []byte{'a', 'b', 'd', 'e'}
	if len(got) != len(want) {
		t.Fatalf("softTrim kept %d items, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Text[0] != w {
			t.Errorf("item %d starts with %c, want %c", i, got[i].Text[0], w)
		}
	}
}

func TestSoftTrimUnderLimitUnchanged(t *testing.T) {
	items := []HistoryItem{
		hi("user", "short", at(1)),
		hi("assistant", "also short", at(2)),
		hi("user", "tiny", at(3)),
	}
	got := softTrim(items, 8000, 4000, 2000)
	if len(got) != 3 {
		t.Errorf("softTrim trimmed a under-limit history: %d items", len(got))
	}
}

func TestSoftTrimOverlapPassesThrough(t *testing.T) {
	// Budgets wide enough that head and tail windows cover everything:
	// head would absorb all items, so would the tail. Overlap → unchanged.
	items := []HistoryItem{
		hi("user", strings.Repeat("a", 50), at(1)),
		hi("assistant", strings.Repeat("b", 50), at(2)),
		hi("user", strings.Repeat("c", 50), at(3)),
	}
	got := softTrim(items, 100, 200, 200)
	if len(got) != 3 {
		t.Errorf("softTrim modified items despite overlapping head/tail, kept %d", len(got))
	}
}

func TestSoftTrimTwoItemsPassThrough(t *testing.T) {
	items := []HistoryItem{
		hi("user", strings.Repeat("a", 5000), at(1)),
		hi("assistant", strings.Repeat("b", 5000), at(2)),
	}
	got := softTrim(items, 100, 50, 50)
	if len(got) != 2 {
		t.Errorf("softTrim modified a 2-item history, kept %d", len(got))
	}
}

func TestSoftTrimCountsRunes(t *testing.T) {
	// Budgets count runes, not bytes. Each Cyrillic item is 10 runes but 19
	// bytes; with a head budget of 15 the second item is reached only under
	// rune counting (10 < 15), so both survive the trim.
	ru := "привет мир" // 10 runes, 19 bytes
	items := []HistoryItem{
		hi("user", ru, at(1)),
		hi("assistant", ru, at(2)),
		hi("user", strings.Repeat("x", 100), at(3)),
		hi("assistant", ru, at(4)),
	}
	got := softTrim(items, 50, 15, 10)
	if len(got) != 3 {
		t.Fatalf("softTrim kept %d items, want 3", len(got))
	}
	for i, it := range got {
		if it.Text != ru {
			t.Errorf("item %d = %q, want the Cyrillic text", i, it.Text)
		}
	}
}

func TestShapeHistoryIdempotent(t *testing.T) {
	user := []HistoryItem{hi("user", "a", at(1)), hi("user", "b", at(3))}
	assistant := []HistoryItem{hi("assistant", "r", at(2))}

	first := ShapeHistory(user, assistant, 5, 8000, 4000, 2000)
	second := ShapeHistory(user, assistant, 5, 8000, 4000, 2000)

	if len(first) != len(second) {
		t.Fatalf("repeated ShapeHistory differs: %d vs %d items", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("item %d differs between calls", i)
		}
	}
}
