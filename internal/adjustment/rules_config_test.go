package adjustment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRulesJSONBuildsConditionTree(t *testing.T) {
	raw := []byte(`[
		{
			"conditions": {
				"type": "and",
				"children": [
					{"type": "leaf", "parameter": "combined_pnl", "comparator": "<=", "value": "-500"},
					{"type": "not", "child": {"type": "leaf", "parameter": "spot_change_pct", "comparator": ">", "value": "2"}}
				]
			},
			"action": {"name": "close_most_profitable", "params": {}},
			"priority": 1,
			"cooldown_seconds": 30
		}
	]`)

	rules, err := ParseRulesJSON(raw)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	assert.Equal(t, ActionCloseMostProfitable, rules[0].Action.Name)
	assert.Equal(t, 1, rules[0].Priority)
	assert.Equal(t, 30, rules[0].CooldownSeconds)

	ok, err := rules[0].Conditions.Eval(EvalContext{CombinedPnL: d(-600), SpotChangePct: d(0.5)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rules[0].Conditions.Eval(EvalContext{CombinedPnL: d(-600), SpotChangePct: d(3)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseRulesJSONRejectsUnknownConditionType(t *testing.T) {
	raw := []byte(`[{"conditions": {"type": "xor"}, "action": {"name": "do_nothing"}}]`)
	_, err := ParseRulesJSON(raw)
	assert.Error(t, err)
}

func TestParseRulesJSONRejectsBadDecimal(t *testing.T) {
	raw := []byte(`[{"conditions": {"type": "leaf", "parameter": "combined_pnl", "comparator": "<", "value": "not-a-number"}, "action": {"name": "do_nothing"}}]`)
	_, err := ParseRulesJSON(raw)
	assert.Error(t, err)
}
