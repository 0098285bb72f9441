// Package diff compares the finding sets of two audit runs. It is pure
// computation over in-memory slices; nothing here touches the store.
package diff

import (
	"sort"

	"github.com/sqlguard/sqlguard/internal/types"
)

// Key identifies one entity across runs.
type Key struct {
	Type      types.FindingType
	EntityKey string
}

// Result holds per-entity transitions between two runs plus lookup maps for
// both sides. A nil side in a Transition means the entity was absent from
// that run, which the state machine interprets together with the scanned set.
type Result struct {
	Transitions map[Key]types.Transition
	Prev        map[Key]*types.Finding
	Curr        map[Key]*types.Finding
}

// Diff emits a transition for every key present in either run.
func Diff(prev, curr []*types.Finding) *Result {
	r := &Result{
		Transitions: make(map[Key]types.Transition),
		Prev:        index(prev),
		Curr:        index(curr),
	}
	for k, f := range r.Prev {
		old := f.Status
		t := types.Transition{Old: &old}
		if cf, ok := r.Curr[k]; ok {
			n := cf.Status
			t.New = &n
		}
		r.Transitions[k] = t
	}
	for k, f := range r.Curr {
		if _, ok := r.Prev[k]; ok {
			continue
		}
		n := f.Status
		r.Transitions[k] = types.Transition{New: &n}
	}
	return r
}

func index(findings []*types.Finding) map[Key]*types.Finding {
	m := make(map[Key]*types.Finding, len(findings))
	for _, f := range findings {
		m[Key{Type: f.FindingType, EntityKey: f.EntityKey}] = f
	}
	return m
}

// ScannedInstances derives the set of instance ids present in a run's
// findings. The orchestrator overlays collector results on top of this, so
// an instance that was reached but produced zero rows still counts as
// scanned.
func ScannedInstances(curr []*types.Finding) map[int64]bool {
	out := make(map[int64]bool)
	for _, f := range curr {
		out[f.InstanceID] = true
	}
	return out
}

// typeOrder maps each finding type to its processing position.
var typeOrder = func() map[types.FindingType]int {
	m := make(map[types.FindingType]int, len(types.AllFindingTypes))
	for i, ft := range types.AllFindingTypes {
		m[ft] = i
	}
	return m
}()

// SortedKeys returns the transition keys in processing order (finding type,
// then entity key) so that action log output is reproducible across syncs.
func (r *Result) SortedKeys() []Key {
	keys := make([]Key, 0, len(r.Transitions))
	for k := range r.Transitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		oi, oj := typeOrder[keys[i].Type], typeOrder[keys[j].Type]
		if oi != oj {
			return oi < oj
		}
		return keys[i].EntityKey < keys[j].EntityKey
	})
	return keys
}
