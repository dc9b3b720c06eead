package store

import "sort"

// ShapeHistory merges user and assistant rows into the ascending history sent
// upstream. Both inputs may arrive in any order; persona filtering has
// already happened. Steps: merge and sort ascending, keep the last
// 2*limitPairs items, drop consecutive (role,text) duplicates, then apply the
// soft character trim.
//
// Consecutive duplicates appear when both a buffered aggregate and its
// fragments were persisted for the same turn.
func ShapeHistory(user, assistant []HistoryItem, limitPairs, softCharLimit, softHead, softTail int) []HistoryItem {
	merged := make([]HistoryItem, 0, len(user)+len(assistant))
	merged = append(merged, user...)
	merged = append(merged, assistant...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	if keep := 2 * limitPairs; keep > 0 && len(merged) > keep {
		merged = merged[len(merged)-keep:]
	}

	merged = dedupConsecutive(merged)

	if softCharLimit > 0 {
		merged = softTrim(merged, softCharLimit, softHead, softTail)
	}
	return merged
}

// dedupConsecutive removes an item when the previous one has the same role
// and text.
func dedupConsecutive(items []HistoryItem) []HistoryItem {
	if len(items) < 2 {
		return items
	}
	out := items[:1]
	for _, it := range items[1:] {
		prev := out[len(out)-1]
		if it.Role == prev.Role && it.Text == prev.Text {
			continue
		}
		out = append(out, it)
	}
	return out
}

// softTrim drops middle items when the total rune count exceeds limit,
// keeping a head window that accumulates chars until headBudget is reached
// and a tail window doing the same from the end. Whole items only; the item
// that crosses a budget is still included. Short histories (≤ 2 items) and
// windows that would meet or overlap pass through unchanged.
func softTrim(items []HistoryItem, limit, headBudget, tailBudget int) []HistoryItem {
	if len(items) <= 2 {
		return items
	}
	total := 0
	for _, it := range items {
		total += len([]rune(it.Text))
	}
	if total <= limit {
		return items
	}

	headEnd := 0
	acc := 0
	for headEnd < len(items) && acc < headBudget {
		acc += len([]rune(items[headEnd].Text))
		headEnd++
	}

	tailBefore := len(items) - 1
	acc = 0
	for tailBefore >= 0 && acc < tailBudget {
		acc += len([]rune(items[tailBefore].Text))
		tailBefore--
	}

	if tailBefore < headEnd {
		return items
	}

	out := make([]HistoryItem, 0, headEnd+len(items)-tailBefore-1)
	out = append(out, items[:headEnd]...)
	out = append(out, items[tailBefore+1:]...)
	return out
}
