// Package query defines the declarative query shape the planner consumes:
// a filter tree of conditions and logical groups, a sort key list, a
// skip/take window, and a projection column list. It also implements the
// reference scan-and-filter evaluator: walking the filter tree directly
// against a document without any index assistance. The planner's chosen
// plan must always agree with this evaluator.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/bsondb/pkg/bsonraw"
	berrors "github.com/bobboyms/bsondb/pkg/errors"
)

// Operator is one of the comparison/predicate operators the filter's JSON
// shape exposes at the boundary.
type Operator string

const (
	OpEq           Operator = "eq"
	OpGt           Operator = "gt"
	OpGte          Operator = "gte"
	OpLt           Operator = "lt"
	OpLte          Operator = "lte"
	OpIContains    Operator = "icontains"
	OpIStartsWith  Operator = "istarts_with"
	OpIEndsWith    Operator = "iends_with"
	OpIsNull       Operator = "is_null"
)

// Logical is the boolean combinator of a filter Group.
type Logical string

const (
	LogicalAnd Logical = "and"
	LogicalOr  Logical = "or"
)

// Direction is a sort key's ordering direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Node is one element of a filter tree: either a Condition leaf or a Group.
type Node interface {
	node()
}

// Condition is a single field/operator/value predicate.
type Condition struct {
	Field    string
	Operator Operator
	Value    bson.RawValue
}

func (Condition) node() {}

// Group is a logical AND/OR combination of child nodes (Conditions or
// nested Groups).
type Group struct {
	Logical  Logical
	Children []Node
}

func (*Group) node() {}

// SortKey orders results by Field in Direction.
type SortKey struct {
	Field     string
	Direction Direction
}

// Query is a fully parsed query description: filter tree, sort, window, and
// projection columns.
type Query struct {
	Filter  Node
	Sort    []SortKey
	Skip    int
	Take    int
	Columns []string
}

// --- JSON parsing -----------------------------------------------------

type jsonCondition struct {
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
}

type jsonGroup struct {
	Logical  string     `json:"logical"`
	Children []jsonNode `json:"children"`
}

type jsonNode struct {
	Condition *jsonCondition `json:"condition,omitempty"`
	Group     *jsonGroup     `json:"group,omitempty"`
}

type jsonSortKey struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type jsonQuery struct {
	Filter  *jsonGroup    `json:"filter,omitempty"`
	Sort    []jsonSortKey `json:"sort,omitempty"`
	Skip    int           `json:"skip,omitempty"`
	Take    int           `json:"take,omitempty"`
	Columns []string      `json:"columns,omitempty"`
}

// Parse decodes a query described in the stable JSON wire shape into a
// Query.
func Parse(data []byte) (*Query, error) {
	var jq jsonQuery
	if err := json.Unmarshal(data, &jq); err != nil {
		return nil, &berrors.InvalidQueryError{Reason: err.Error()}
	}

	q := &Query{Skip: jq.Skip, Take: jq.Take, Columns: jq.Columns}

	if jq.Filter != nil {
		node, err := convertGroup(jq.Filter)
		if err != nil {
			return nil, err
		}
		q.Filter = node
	}

	for _, sk := range jq.Sort {
		dir := Direction(sk.Direction)
		if dir != Asc && dir != Desc {
			return nil, &berrors.InvalidQueryError{Reason: fmt.Sprintf("unsupported sort direction %q", sk.Direction)}
		}
		q.Sort = append(q.Sort, SortKey{Field: sk.Field, Direction: dir})
	}

	return q, nil
}

func convertGroup(g *jsonGroup) (Node, error) {
	logical := Logical(g.Logical)
	if logical != LogicalAnd && logical != LogicalOr {
		return nil, &berrors.InvalidQueryError{Reason: fmt.Sprintf("unsupported logical operator %q", g.Logical)}
	}
	out := &Group{Logical: logical}
	for _, child := range g.Children {
		node, err := convertNode(child)
		if err != nil {
			return nil, err
		}
		out.Children = append(out.Children, node)
	}
	return out, nil
}

func convertNode(n jsonNode) (Node, error) {
	switch {
	case n.Condition != nil:
		return convertCondition(n.Condition)
	case n.Group != nil:
		return convertGroup(n.Group)
	default:
		return nil, &berrors.InvalidQueryError{Reason: "filter node has neither condition nor group"}
	}
}

func convertCondition(c *jsonCondition) (Condition, error) {
	op := Operator(c.Operator)
	switch op {
	case OpEq, OpGt, OpGte, OpLt, OpLte, OpIContains, OpIStartsWith, OpIEndsWith, OpIsNull:
	default:
		return Condition{}, &berrors.InvalidQueryError{Reason: fmt.Sprintf("unsupported operator %q", c.Operator)}
	}

	var value bson.RawValue
	if op != OpIsNull && len(c.Value) > 0 {
		v, err := decodeJSONValue(c.Value)
		if err != nil {
			return Condition{}, &berrors.InvalidQueryError{Reason: err.Error()}
		}
		value = v
	}
	return Condition{Field: c.Field, Operator: op, Value: value}, nil
}

// decodeJSONValue converts a JSON scalar into the bson.RawValue a Condition
// compares against. Numbers without a fractional part and within the int32
// range decode as BSON int32 (so equality conditions can hit int32-typed
// indexes); other integral numbers decode as int64; everything else
// decodes as double. This mirrors the type an API caller would get by
// inserting the same JSON literal as a document field.
func decodeJSONValue(raw json.RawMessage) (bson.RawValue, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return bson.RawValue{}, err
	}
	return goValueToRaw(v)
}

func goValueToRaw(v interface{}) (bson.RawValue, error) {
	var d bson.D
	switch t := v.(type) {
	case nil:
		d = bson.D{{Key: "v", Value: nil}}
	case string:
		d = bson.D{{Key: "v", Value: t}}
	case bool:
		d = bson.D{{Key: "v", Value: t}}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			if i >= math.MinInt32 && i <= math.MaxInt32 {
				d = bson.D{{Key: "v", Value: int32(i)}}
			} else {
				d = bson.D{{Key: "v", Value: i}}
			}
		} else {
			f, err := t.Float64()
			if err != nil {
				return bson.RawValue{}, fmt.Errorf("query: malformed number %q", t.String())
			}
			d = bson.D{{Key: "v", Value: f}}
		}
	default:
		return bson.RawValue{}, fmt.Errorf("query: unsupported condition value type %T", v)
	}

	doc, err := bson.Marshal(d)
	if err != nil {
		return bson.RawValue{}, err
	}
	rv, err := bson.Raw(doc).LookupErr("v")
	if err != nil {
		return bson.RawValue{}, err
	}
	return rv, nil
}

// --- Reference evaluator -----------------------------------------------

// Evaluate walks the filter tree directly against doc, with no index
// assistance. This is the reference the planner's chosen plan must always
// agree with.
func Evaluate(node Node, doc bson.Raw) (bool, error) {
	if node == nil {
		return true, nil
	}
	switch n := node.(type) {
	case Condition:
		return matchesCondition(doc, n)
	case *Group:
		return evaluateGroup(n, doc)
	default:
		return false, fmt.Errorf("query: unknown filter node type %T", node)
	}
}

func evaluateGroup(g *Group, doc bson.Raw) (bool, error) {
	switch g.Logical {
	case LogicalAnd:
		for _, child := range g.Children {
			ok, err := Evaluate(child, doc)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case LogicalOr:
		for _, child := range g.Children {
			ok, err := Evaluate(child, doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("query: unknown logical operator %q", g.Logical)
	}
}

func matchesCondition(doc bson.Raw, cond Condition) (bool, error) {
	if cond.Operator == OpIsNull {
		return bsonraw.IsNull(doc, cond.Field), nil
	}

	values, err := bsonraw.GetPathValues(doc, cond.Field)
	if err != nil {
		return false, err
	}
	for _, v := range values {
		if matchesScalar(v, cond) {
			return true, nil
		}
	}
	return false, nil
}

// matchesScalar evaluates a single resolved value against cond. Array
// fields are matched per-element by the caller (GetPathValues already
// expands arrays), so a field matches iff any element satisfies it.
func matchesScalar(v bson.RawValue, cond Condition) bool {
	switch cond.Operator {
	case OpEq:
		cmp, ok := bsonraw.Compare(v, cond.Value)
		return ok && cmp == 0
	case OpGt:
		cmp, ok := bsonraw.Compare(v, cond.Value)
		return ok && cmp > 0
	case OpGte:
		cmp, ok := bsonraw.Compare(v, cond.Value)
		return ok && cmp >= 0
	case OpLt:
		cmp, ok := bsonraw.Compare(v, cond.Value)
		return ok && cmp < 0
	case OpLte:
		cmp, ok := bsonraw.Compare(v, cond.Value)
		return ok && cmp <= 0
	case OpIContains, OpIStartsWith, OpIEndsWith:
		return matchesStringOp(v, cond)
	default:
		return false
	}
}

// matchesStringOp implements ASCII-case-insensitive substring/prefix/suffix
// matching; non-string fields (and non-string condition values) never
// match.
func matchesStringOp(v bson.RawValue, cond Condition) bool {
	if v.Type != bson.TypeString || cond.Value.Type != bson.TypeString {
		return false
	}
	s, ok := v.StringValueOK()
	if !ok {
		return false
	}
	needle, ok := cond.Value.StringValueOK()
	if !ok {
		return false
	}
	ls, lneedle := asciiLower(s), asciiLower(needle)
	switch cond.Operator {
	case OpIContains:
		return strings.Contains(ls, lneedle)
	case OpIStartsWith:
		return strings.HasPrefix(ls, lneedle)
	case OpIEndsWith:
		return strings.HasSuffix(ls, lneedle)
	default:
		return false
	}
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
