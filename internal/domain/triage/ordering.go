package triage

import (
	"context"
	"fmt"
	"sort"
)

// unorderedIndex places cases missing from the manual order after every
// manually ordered case.
const unorderedIndex = int(^uint(0) >> 1)

// OrderStore persists the nurse-curated queue order.
type OrderStore interface {
	LoadOrder(ctx context.Context) ([]string, error)
	SaveOrder(ctx context.Context, ids []string) error
}

type sortKey struct {
	manual     int
	level      int
	confidence float64
}

func keyFor(c *Case, manual map[string]int) sortKey {
	k := sortKey{manual: unorderedIndex, level: c.AutomatedLevel}
	if idx, ok := manual[c.ID.String()]; ok {
		k.manual = idx
	}
	if c.MLLevel != nil {
		k.level = *c.MLLevel
	}
	if c.MLConfidence != nil {
		k.confidence = *c.MLConfidence
	}
	return k
}

// OrderQueue returns cases in display order: manual position first, then
// ranker level ascending, ranker confidence descending and submission time
// ascending. Cases without ranker output use their automated level. The
// input slice is not modified.
func OrderQueue(cases []*Case, manual []string) []*Case {
	index := make(map[string]int, len(manual))
	for i, id := range manual {
		if _, dup := index[id]; !dup {
			index[id] = i
		}
	}

	out := append([]*Case(nil), cases...)
	keys := make(map[*Case]sortKey, len(out))
	for _, c := range out {
		keys[c] = keyFor(c, index)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := keys[out[i]], keys[out[j]]
		if a.manual != b.manual {
			return a.manual < b.manual
		}
		if a.level != b.level {
			return a.level < b.level
		}
		if a.confidence != b.confidence {
			return a.confidence > b.confidence
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Direction of a manual move.
type Direction string

const (
	MoveUp   Direction = "up"
	MoveDown Direction = "down"
)

// MoveInOrder swaps the case with its neighbour in the displayed order and
// returns the full resulting id sequence. Moving past either end leaves the
// order unchanged.
func MoveInOrder(displayed []*Case, id string, dir Direction) ([]string, error) {
	ids := IDs(displayed)

	pos := -1
	for i, v := range ids {
		if v == id {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, fmt.Errorf("case %s not in queue: %w", id, ErrNotFound)
	}

	var swap int
	switch dir {
	case MoveUp:
		swap = pos - 1
	case MoveDown:
		swap = pos + 1
	default:
		return nil, fmt.Errorf("direction %q: %w", dir, ErrInvalidInput)
	}

	if swap >= 0 && swap < len(ids) {
		ids[pos], ids[swap] = ids[swap], ids[pos]
	}
	return ids, nil
}

// IDs returns the string ids of cases, in order.
func IDs(cases []*Case) []string {
	ids := make([]string, len(cases))
	for i, c := range cases {
		ids[i] = c.ID.String()
	}
	return ids
}
