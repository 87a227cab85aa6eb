package datastore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Normalize converts an arbitrary Go value (structs, typed maps, time
// values) into the plain JSON tree representation the store works with.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case string, float64, bool:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return prune(out), nil
}

// NormalizePatch normalizes a ModeUpdate value. Each top-level entry is
// normalized on its own, and entries that are nil or normalize to nothing
// stay in the patch as nil so the update removes them. A value that is not
// an object is returned as is for the caller to reject.
func NormalizePatch(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	patch, ok := out.(map[string]any)
	if !ok {
		return out, nil
	}
	if len(patch) == 0 {
		return nil, nil
	}
	for k, child := range patch {
		patch[k] = prune(child)
	}
	return patch, nil
}

func normalizeWrite(v any, mode Mode) (any, error) {
	if mode == ModeUpdate {
		return NormalizePatch(v)
	}
	return Normalize(v)
}

// prune drops empty objects, which the store treats as absent.
func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			pc := prune(child)
			if pc == nil {
				delete(t, k)
				continue
			}
			t[k] = pc
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		for i := range t {
			t[i] = prune(t[i])
		}
		return t
	default:
		return v
	}
}

// Clone deep-copies a JSON tree.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Lookup walks segs below root and returns the node found there, or nil.
func Lookup(root any, segs []string) any {
	cur := root
	for _, s := range segs {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[s]
		case []any:
			i, err := strconv.Atoi(s)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

// assign stores v at segs below root, creating intermediate objects. A nil v
// removes the node and any parents left empty. root is returned because an
// assignment at the top level may replace it.
func assign(root map[string]any, segs []string, v any) map[string]any {
	if root == nil {
		root = map[string]any{}
	}
	if len(segs) == 0 {
		m, _ := v.(map[string]any)
		return m
	}
	head := segs[0]
	if len(segs) == 1 {
		if v == nil {
			delete(root, head)
		} else {
			root[head] = v
		}
		return root
	}
	child, _ := root[head].(map[string]any)
	if child == nil && v == nil {
		return root
	}
	child = assign(child, segs[1:], v)
	if len(child) == 0 {
		delete(root, head)
	} else {
		root[head] = child
	}
	return root
}

// merge applies an update patch to the node at segs.
func merge(root map[string]any, segs []string, patch map[string]any) map[string]any {
	for k, v := range patch {
		sub, err := SplitPath(k)
		if err != nil {
			continue
		}
		root = assign(root, append(append([]string{}, segs...), sub...), v)
	}
	return root
}

// ChildrenOf lists the entries of a collection node in key order. Arrays are
// treated as collections keyed by index.
func ChildrenOf(v any) []Child {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Child, 0, len(keys))
		for _, k := range keys {
			out = append(out, Child{Key: k, Value: t[k]})
		}
		return out
	case []any:
		out := make([]Child, 0, len(t))
		for i, e := range t {
			if e == nil {
				continue
			}
			out = append(out, Child{Key: strconv.Itoa(i), Value: e})
		}
		return out
	default:
		return nil
	}
}
