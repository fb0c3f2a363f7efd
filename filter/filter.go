/******************************************************************************
 *
 *  Description :
 *    Serializable boolean predicates over records. A filter can be evaluated
 *    in-process, sent over the wire as JSON and translated into an SQL
 *    WHERE expression.
 *
 *****************************************************************************/

package filter

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"golang.org/x/text/cases"
)

// Op is a comparison operator of a Part.
type Op int

const (
	Equal Op = iota
	Greater
	GreaterOrEqual
	Less
	LessOrEqual
	InSet
	Like
)

// GroupOp combines the members of a Group.
type GroupOp int

const (
	And GroupOp = iota
	Or
)

// ErrInvalidOperator is returned for an unknown operator name.
var ErrInvalidOperator = errors.New("filter: invalid operator")

// Part compares one property of a record with a value.
type Part struct {
	Property string
	Op       Op
	Value    any
	Negated  bool
}

// Group combines parts and nested groups.
type Group struct {
	Parts   []Part
	Groups  []Group
	Op      GroupOp
	Negated bool
}

// Filter is the root group of a predicate.
type Filter struct {
	Group
}

// New creates a filter combining the parts with op.
func New(op GroupOp, parts ...Part) Filter {
	return Filter{Group{Parts: parts, Op: op}}
}

// FromGroup wraps a group as a root filter.
func FromGroup(g Group) Filter {
	return Filter{g}
}

// Where creates a filter of a single part.
func Where(p Part) Filter {
	return New(And, p)
}

// Eq is a shortcut for Part{property, Equal, value}.
func Eq(property string, value any) Part {
	return Part{Property: property, Op: Equal, Value: value}
}

// Gt is a shortcut for Part{property, Greater, value}.
func Gt(property string, value any) Part {
	return Part{Property: property, Op: Greater, Value: value}
}

// Ge is a shortcut for Part{property, GreaterOrEqual, value}.
func Ge(property string, value any) Part {
	return Part{Property: property, Op: GreaterOrEqual, Value: value}
}

// Lt is a shortcut for Part{property, Less, value}.
func Lt(property string, value any) Part {
	return Part{Property: property, Op: Less, Value: value}
}

// Le is a shortcut for Part{property, LessOrEqual, value}.
func Le(property string, value any) Part {
	return Part{Property: property, Op: LessOrEqual, Value: value}
}

// In is a shortcut for Part{property, InSet, values}.
func In(property string, values ...any) Part {
	return Part{Property: property, Op: InSet, Value: values}
}

// Matching is a shortcut for Part{property, Like, pattern}. The pattern matches anywhere in the
// value, case-insensitively. '*' matches any sequence of characters.
func Matching(property, pattern string) Part {
	return Part{Property: property, Op: Like, Value: pattern}
}

// Not returns the negated part.
func (p Part) Not() Part {
	p.Negated = !p.Negated
	return p
}

// Not returns the negated group.
func (g Group) Not() Group {
	g.Negated = !g.Negated
	return g
}

// IsEmpty checks if the group has no members.
func (g Group) IsEmpty() bool {
	return len(g.Parts) == 0 && len(g.Groups) == 0
}

// Properties returns the distinct property names referenced by the group and its subgroups.
func (g Group) Properties() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(g Group)
	walk = func(g Group) {
		for _, p := range g.Parts {
			if !seen[p.Property] {
				seen[p.Property] = true
				out = append(out, p.Property)
			}
		}
		for _, sub := range g.Groups {
			walk(sub)
		}
	}
	walk(g)
	return out
}

// Matches evaluates the part against a record.
func (p Part) Matches(record map[string]any) bool {
	return p.matches(record[p.Property]) != p.Negated
}

func (p Part) matches(actual any) bool {
	switch p.Op {
	case Equal:
		return equal(actual, p.Value)
	case Greater:
		c, ok := compare(actual, p.Value)
		return ok && c > 0
	case GreaterOrEqual:
		c, ok := compare(actual, p.Value)
		return ok && c >= 0
	case Less:
		c, ok := compare(actual, p.Value)
		return ok && c < 0
	case LessOrEqual:
		c, ok := compare(actual, p.Value)
		return ok && c <= 0
	case InSet:
		for _, v := range toList(p.Value) {
			if equal(actual, v) {
				return true
			}
		}
		return false
	case Like:
		pattern, ok := p.Value.(string)
		if !ok {
			return equal(actual, p.Value)
		}
		var text string
		switch v := actual.(type) {
		case nil:
			return false
		case string:
			text = v
		default:
			text = fmt.Sprint(v)
		}
		return wildcardMatch("*"+fold(pattern)+"*", fold(text))
	}
	return false
}

// Matches evaluates the group against a record. An empty AND group matches everything,
// an empty OR group matches nothing.
func (g Group) Matches(record map[string]any) bool {
	return g.matches(record) != g.Negated
}

func (g Group) matches(record map[string]any) bool {
	if g.Op == Or {
		for _, p := range g.Parts {
			if p.Matches(record) {
				return true
			}
		}
		for _, sub := range g.Groups {
			if sub.Matches(record) {
				return true
			}
		}
		return false
	}

	for _, p := range g.Parts {
		if !p.Matches(record) {
			return false
		}
	}
	for _, sub := range g.Groups {
		if !sub.Matches(record) {
			return false
		}
	}
	return true
}

// A Caser is stateful and cannot be shared between goroutines.
func fold(s string) string {
	return cases.Fold().String(s)
}

// wildcardMatch matches the whole text against a pattern where '*' stands for any sequence.
func wildcardMatch(pattern, text string) bool {
	chunks := strings.Split(pattern, "*")
	if len(chunks) == 1 {
		return pattern == text
	}
	if !strings.HasPrefix(text, chunks[0]) {
		return false
	}
	text = text[len(chunks[0]):]
	last := chunks[len(chunks)-1]
	for _, chunk := range chunks[1 : len(chunks)-1] {
		idx := strings.Index(text, chunk)
		if idx < 0 {
			return false
		}
		text = text[idx+len(chunk):]
	}
	return len(text) >= len(last) && strings.HasSuffix(text, last)
}

// toNumber converts JSON and Go numeric values to float64.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// compare orders numbers, strings and booleans. The second result is false when the
// values are not comparable.
func compare(a, b any) (int, bool) {
	if x, ok := toNumber(a); ok {
		y, ok := toNumber(b)
		if !ok || math.IsNaN(x) || math.IsNaN(y) {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			}
			return 1, true
		}
	case fmt.Stringer:
		if y, ok := b.(string); ok {
			return strings.Compare(x.String(), y), true
		}
	}
	return 0, false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	if c, ok := compare(b, a); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// toList returns the elements of a slice value.
func toList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case nil:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
