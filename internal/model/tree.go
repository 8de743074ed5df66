package model

import (
	"sort"

	"github.com/google/uuid"
)

// BuildSpanTree assembles a flat span list into parent/child trees and
// attaches each log entry to its owning span. Two passes over an id-keyed
// map: the first indexes every span, the second hangs each span off its
// parent's child list. Spans whose parent is missing from the batch are
// treated as roots rather than dropped, so a partially cleaned trace still
// renders. Child lists and logs are sorted by ascending creation order.
func BuildSpanTree(spans []*Span, logs []LogEntry) []*Span {
	byID := make(map[uuid.UUID]*Span, len(spans))
	for _, s := range spans {
		s.Children = nil
		s.Logs = nil
		byID[s.ID] = s
	}

	for _, l := range logs {
		if owner, ok := byID[l.SpanID]; ok {
			owner.Logs = append(owner.Logs, l)
		}
	}

	var roots []*Span
	for _, s := range spans {
		if s.ParentSpanID == nil {
			roots = append(roots, s)
			continue
		}
		parent, ok := byID[*s.ParentSpanID]
		if !ok {
			roots = append(roots, s)
			continue
		}
		parent.Children = append(parent.Children, s)
	}

	for _, s := range spans {
		sortSpans(s.Children)
		sort.SliceStable(s.Logs, func(i, j int) bool {
			return s.Logs[i].CreatedAt.Before(s.Logs[j].CreatedAt)
		})
	}
	sortSpans(roots)
	return roots
}

// sortSpans orders by creation time, breaking ties on id so the order is
// stable for spans created within the same clock tick.
func sortSpans(spans []*Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].CreatedAt.Equal(spans[j].CreatedAt) {
			return spans[i].ID.String() < spans[j].ID.String()
		}
		return spans[i].CreatedAt.Before(spans[j].CreatedAt)
	})
}
