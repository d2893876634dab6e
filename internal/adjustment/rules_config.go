package adjustment

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// conditionDTO is the JSON wire shape for a Condition tree node. Exactly one
// of Parameter/Children/Child is populated, selected by Type.
type conditionDTO struct {
	Type string `json:"type"` // "leaf", "and", "or", "not"

	Parameter  Parameter      `json:"parameter,omitempty"`
	Comparator Comparator     `json:"comparator,omitempty"`
	Value      string         `json:"value,omitempty"`

	Children []conditionDTO `json:"children,omitempty"`
	Child    *conditionDTO  `json:"child,omitempty"`
}

// ruleDTO is the JSON wire shape for one Rule, as authored by an operator or
// a rule-authoring service.
type ruleDTO struct {
	Conditions      conditionDTO `json:"conditions"`
	Action          ActionSpec   `json:"action"`
	Priority        int          `json:"priority"`
	CooldownSeconds int          `json:"cooldown_seconds"`
}

func (d conditionDTO) build() (Condition, error) {
	switch d.Type {
	case "leaf":
		val, err := decimal.NewFromString(d.Value)
		if err != nil {
			return nil, fmt.Errorf("leaf condition value %q: %w", d.Value, err)
		}
		return Leaf{Parameter: d.Parameter, Comparator: d.Comparator, Value: val}, nil
	case "and":
		children, err := buildAll(d.Children)
		if err != nil {
			return nil, err
		}
		return And(children), nil
	case "or":
		children, err := buildAll(d.Children)
		if err != nil {
			return nil, err
		}
		return Or(children), nil
	case "not":
		if d.Child == nil {
			return nil, fmt.Errorf("not condition missing child")
		}
		child, err := d.Child.build()
		if err != nil {
			return nil, err
		}
		return Not{Cond: child}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", d.Type)
	}
}

func buildAll(dtos []conditionDTO) ([]Condition, error) {
	out := make([]Condition, 0, len(dtos))
	for i, d := range dtos {
		c, err := d.build()
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ParseRulesJSON decodes a JSON array of rule-config objects into a pre-parsed
// []Rule, ready for Engine.Tick to evaluate without re-parsing. The wire
// shape mirrors the condition tree spec.md §4.10 describes, tagged with a
// "type" discriminator ("leaf"/"and"/"or"/"not") since JSON has no native
// way to decode into an interface.
func ParseRulesJSON(raw []byte) ([]Rule, error) {
	var dtos []ruleDTO
	if err := json.Unmarshal(raw, &dtos); err != nil {
		return nil, fmt.Errorf("decoding rule config: %w", err)
	}

	rules := make([]Rule, 0, len(dtos))
	for i, d := range dtos {
		cond, err := d.Conditions.build()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, Rule{
			Conditions:      cond,
			Action:          d.Action,
			Priority:        d.Priority,
			CooldownSeconds: d.CooldownSeconds,
		})
	}
	return rules, nil
}
