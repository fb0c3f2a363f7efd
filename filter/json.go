package filter

import (
	"encoding/json"
	"fmt"
)

var opNames = map[Op]string{
	Equal:          "==",
	Greater:        ">",
	GreaterOrEqual: ">=",
	Less:           "<",
	LessOrEqual:    "<=",
	InSet:          "in",
	Like:           "like",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// ParseOp converts a wire operator name to Op.
func ParseOp(name string) (Op, error) {
	for op, n := range opNames {
		if n == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidOperator, name)
}

func (op GroupOp) String() string {
	if op == Or {
		return "or"
	}
	return "and"
}

// ParseGroupOp converts a wire group operator name to GroupOp.
func ParseGroupOp(name string) (GroupOp, error) {
	switch name {
	case "and":
		return And, nil
	case "or":
		return Or, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidOperator, name)
}

type jsonPart struct {
	Property string `json:"p"`
	Value    any    `json:"v"`
	Op       string `json:"o"`
	Negated  bool   `json:"n"`
}

type jsonGroup struct {
	Parts   []Part  `json:"p"`
	Groups  []Group `json:"g"`
	Op      string  `json:"o"`
	Negated bool    `json:"n"`
}

// MarshalJSON encodes the part as {p, v, o, n}.
func (p Part) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonPart{Property: p.Property, Value: p.Value, Op: p.Op.String(), Negated: p.Negated})
}

// UnmarshalJSON decodes the part from {p, v, o, n}.
func (p *Part) UnmarshalJSON(data []byte) error {
	var jp jsonPart
	if err := json.Unmarshal(data, &jp); err != nil {
		return err
	}
	if jp.Property == "" {
		return fmt.Errorf("filter: part without a property")
	}
	op, err := ParseOp(jp.Op)
	if err != nil {
		return err
	}
	*p = Part{Property: jp.Property, Op: op, Value: jp.Value, Negated: jp.Negated}
	return nil
}

// MarshalJSON encodes the group as {p, g, o, n}.
func (g Group) MarshalJSON() ([]byte, error) {
	jg := jsonGroup{Parts: g.Parts, Groups: g.Groups, Op: g.Op.String(), Negated: g.Negated}
	if jg.Parts == nil {
		jg.Parts = []Part{}
	}
	if jg.Groups == nil {
		jg.Groups = []Group{}
	}
	return json.Marshal(jg)
}

// UnmarshalJSON decodes the group from {p, g, o, n}.
func (g *Group) UnmarshalJSON(data []byte) error {
	var jg jsonGroup
	if err := json.Unmarshal(data, &jg); err != nil {
		return err
	}
	op, err := ParseGroupOp(jg.Op)
	if err != nil {
		return err
	}
	*g = Group{Parts: jg.Parts, Groups: jg.Groups, Op: op, Negated: jg.Negated}
	return nil
}

// ToJSON returns the filter as a generic JSON value suitable for a message payload.
func (f Filter) ToJSON() map[string]any {
	raw, err := json.Marshal(f.Group)
	if err != nil {
		return nil
	}
	var out map[string]any
	json.Unmarshal(raw, &out)
	return out
}

// FromJSON decodes a filter from a generic JSON value, as found in a message payload.
func FromJSON(v any) (Filter, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Filter{}, err
	}
	var f Filter
	if err = json.Unmarshal(raw, &f.Group); err != nil {
		return Filter{}, err
	}
	return f, nil
}
