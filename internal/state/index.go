package state

import (
	"context"
	"errors"
	"strings"
)

// Index maintains one attribute's value -> id set mapping under "index/<name>/<value>".
type Index struct {
	store Store
	name  string
}

// NewIndex binds named attribute index to store.
func NewIndex(store Store, name string) Index {
	return Index{store: store, name: name}
}

func (ix Index) key(value string) string {
	return Key("index", ix.name, value)
}

// Add inserts id under value.
// Params: attribute value and record id.
// Returns: store error.
func (ix Index) Add(ctx context.Context, value, id string) error {
	_, err := MutateJSON(ctx, ix.store, ix.key(value), func(set *IDSet, _ bool) error {
		if set.Has(id) {
			return ErrNoChange
		}
		*set = set.Add(id)
		return nil
	})
	return err
}

// Remove drops id from value.
// Params: attribute value and record id.
// Returns: store error.
func (ix Index) Remove(ctx context.Context, value, id string) error {
	_, err := MutateJSON(ctx, ix.store, ix.key(value), func(set *IDSet, exists bool) error {
		if !exists || !set.Has(id) {
			return ErrNoChange
		}
		*set = set.Remove(id)
		return nil
	})
	return err
}

// Members returns ids indexed under value.
// Params: attribute value.
// Returns: sorted ids (empty when value is unknown).
func (ix Index) Members(ctx context.Context, value string) (IDSet, error) {
	set, _, err := GetJSON[IDSet](ctx, ix.store, ix.key(value))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return IDSet{}, nil
		}
		return nil, err
	}
	return set, nil
}

// Values lists indexed attribute values.
func (ix Index) Values(ctx context.Context) ([]string, error) {
	prefix := Prefix("index", ix.name)
	keys, err := ix.store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, UnescapeSegment(strings.TrimPrefix(key, prefix)))
	}
	return out, nil
}

type filterOp int

const (
	opIntersect filterOp = iota
	opUnion
	opDiff
)

type filterStep struct {
	op     filterOp
	index  Index
	values []string
	ids    IDSet
	direct bool
}

// Filter composes set algebra over indexes and resolves it in one pass without temporary keys.
type Filter struct {
	steps []filterStep
}

// NewFilter starts an empty filter; the first step seeds the result.
func NewFilter() *Filter {
	return &Filter{}
}

// Intersect keeps ids indexed under value.
func (f *Filter) Intersect(ix Index, value string) *Filter {
	f.steps = append(f.steps, filterStep{op: opIntersect, index: ix, values: []string{value}})
	return f
}

// Union adds ids indexed under any of values.
func (f *Filter) Union(ix Index, values ...string) *Filter {
	f.steps = append(f.steps, filterStep{op: opUnion, index: ix, values: values})
	return f
}

// UnionIDs adds explicit ids.
func (f *Filter) UnionIDs(ids IDSet) *Filter {
	f.steps = append(f.steps, filterStep{op: opUnion, ids: ids, direct: true})
	return f
}

// IntersectIDs keeps only explicit ids.
func (f *Filter) IntersectIDs(ids IDSet) *Filter {
	f.steps = append(f.steps, filterStep{op: opIntersect, ids: ids, direct: true})
	return f
}

// Diff removes ids indexed under value.
func (f *Filter) Diff(ix Index, value string) *Filter {
	f.steps = append(f.steps, filterStep{op: opDiff, index: ix, values: []string{value}})
	return f
}

// Resolve evaluates steps left to right.
// Params: context for store reads.
// Returns: resulting sorted ids.
func (f *Filter) Resolve(ctx context.Context) (IDSet, error) {
	var result IDSet
	seeded := false
	for _, step := range f.steps {
		operand := step.ids
		if !step.direct {
			operand = IDSet{}
			for _, value := range step.values {
				members, err := step.index.Members(ctx, value)
				if err != nil {
					return nil, err
				}
				operand = operand.Union(members)
			}
		}
		if !seeded {
			seeded = true
			if step.op == opDiff {
				result = IDSet{}
				continue
			}
			result = append(IDSet{}, operand...)
			continue
		}
		switch step.op {
		case opIntersect:
			result = result.Intersect(operand)
		case opUnion:
			result = result.Union(operand)
		case opDiff:
			result = result.Diff(operand)
		}
	}
	if result == nil {
		result = IDSet{}
	}
	return result, nil
}
