// Package query builds ordered, limited and shaped reads over a
// datastore.Gateway and manages live subscriptions for them. A Controller
// guarantees at most one store subscription per path, shared by every live
// query on that path, and at most one shaping pipeline per query identity.
package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/carecoord/carecoord/internal/platform/datastore"
)

var (
	ErrInvalidQuery         = errors.New("invalid query")
	ErrFetch                = errors.New("fetch failed")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrClosed               = errors.New("query handle closed")
)

// FetchError wraps a backend failure for one path. It matches both ErrFetch
// and the underlying cause with errors.Is.
type FetchError struct {
	Path  string
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Path, e.Cause)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetch, e.Cause}
}

// Direction selects which end of the ordered children a limit keeps.
type Direction string

const (
	First Direction = "first"
	Last  Direction = "last"
)

// TransformFunc shapes fetched data before it is published. It must be pure:
// in live mode it runs again on every change.
type TransformFunc func(data any) (any, error)

// Descriptor declares a read. The zero value of every option means whole
// collection, natural order, one-shot.
type Descriptor struct {
	Path           string
	OrderBy        string
	Limit          int
	LimitDirection Direction
	FlattenToArray bool
	// Transform is identified by TransformKey, which is required whenever
	// Transform is set. Two descriptors with the same key must carry
	// equivalent transforms.
	Transform    TransformFunc
	TransformKey string
	Live         bool
}

// Key is the identity used to deduplicate live queries.
func (d Descriptor) Key() string {
	dir := d.LimitDirection
	if dir == "" {
		dir = First
	}
	return strings.Join([]string{
		strings.Trim(d.Path, "/"),
		d.OrderBy,
		strconv.Itoa(d.Limit),
		string(dir),
		strconv.FormatBool(d.FlattenToArray),
		d.TransformKey,
		strconv.FormatBool(d.Live),
	}, "\x00")
}

// Query is a validated Descriptor.
type Query struct {
	desc  Descriptor
	path  string
	field []string
	key   string
}

// Build validates d.
func Build(d Descriptor) (*Query, error) {
	segs, err := datastore.SplitPath(d.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if d.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit %d", ErrInvalidQuery, d.Limit)
	}
	switch d.LimitDirection {
	case "":
		d.LimitDirection = First
	case First, Last:
	default:
		return nil, fmt.Errorf("%w: unknown limit direction %q", ErrInvalidQuery, d.LimitDirection)
	}
	if d.Transform != nil && d.TransformKey == "" {
		return nil, fmt.Errorf("%w: transform requires a TransformKey", ErrInvalidQuery)
	}
	var field []string
	if d.OrderBy != "" {
		field = datastore.FieldPath(d.OrderBy)
		if len(field) == 0 {
			return nil, fmt.Errorf("%w: empty orderBy field", ErrInvalidQuery)
		}
	}
	return &Query{
		desc:  d,
		path:  datastore.JoinPath(segs...),
		field: field,
		key:   d.Key(),
	}, nil
}

// Descriptor returns the normalized descriptor.
func (q *Query) Descriptor() Descriptor { return q.desc }

// Path returns the cleaned store path.
func (q *Query) Path() string { return q.path }

// Key returns the identity of the query.
func (q *Query) Key() string { return q.key }

func (q *Query) constraints() datastore.Constraints {
	return datastore.Constraints{
		OrderBy:   q.desc.OrderBy,
		Limit:     q.desc.Limit,
		LimitLast: q.desc.LimitDirection == Last,
	}
}

func (q *Query) collectionShaped() bool {
	return q.desc.OrderBy != "" || q.desc.Limit > 0 || q.desc.FlattenToArray
}

// Shape turns the whole value stored at the query path into published data.
func (q *Query) Shape(value any) (any, error) {
	if !q.collectionShaped() {
		return q.transform(value)
	}
	children := datastore.ChildrenOf(value)
	if err := q.checkOrderable(children); err != nil {
		return nil, err
	}
	return q.finish(datastore.ApplyConstraints(children, q.constraints()))
}

// finish publishes children that are already ordered and limited.
func (q *Query) finish(children []datastore.Child) (any, error) {
	if q.desc.FlattenToArray {
		return q.transform(Flatten(children))
	}
	out := make(map[string]any, len(children))
	for _, c := range children {
		out[c.Key] = c.Value
	}
	if len(out) == 0 {
		return q.transform(nil)
	}
	return q.transform(out)
}

func (q *Query) transform(data any) (any, error) {
	if q.desc.Transform == nil {
		return data, nil
	}
	return q.desc.Transform(data)
}

// checkOrderable rejects an orderBy field that holds an object or array on
// any child.
func (q *Query) checkOrderable(children []datastore.Child) error {
	if q.field == nil {
		return nil
	}
	for _, c := range children {
		switch datastore.Lookup(c.Value, q.field).(type) {
		case map[string]any, []any:
			return fmt.Errorf("%w: orderBy field %q of %s is not orderable", ErrInvalidQuery, q.desc.OrderBy, c.Key)
		}
	}
	return nil
}

// Flatten projects keyed children into records with the key merged in as
// "id". The key replaces any id field stored inside the value. Non-object
// values are wrapped as {id, value}.
func Flatten(children []datastore.Child) []map[string]any {
	out := make([]map[string]any, 0, len(children))
	for _, c := range children {
		rec := map[string]any{}
		if m, ok := c.Value.(map[string]any); ok {
			for k, v := range m {
				rec[k] = v
			}
		} else {
			rec["value"] = c.Value
		}
		rec["id"] = c.Key
		out = append(out, rec)
	}
	return out
}

// Decode converts published data into a typed value.
func Decode(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
