package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/backend/internal/database"
)

func ruleWith(detection map[string]interface{}) *database.SigmaRule {
	return &database.SigmaRule{ID: "r1", Title: "test rule", Detection: detection}
}

func loginEvent() Event {
	return EventFromLog(&database.Log{
		Message:  "Failed password for root from 10.0.0.5",
		Level:    "warn",
		Service:  "sshd",
		Metadata: map[string]interface{}{"eventType": "authentication", "port": float64(22)},
	})
}

func TestMatchRuleEqualityAndModifiers(t *testing.T) {
	ev := loginEvent()

	cases := []struct {
		name      string
		selection map[string]interface{}
		want      bool
	}{
		{"equality", map[string]interface{}{"service": "sshd"}, true},
		{"equality is case-insensitive", map[string]interface{}{"service": "SSHD"}, true},
		{"equality miss", map[string]interface{}{"service": "nginx"}, false},
		{"contains", map[string]interface{}{"message|contains": "failed password"}, true},
		{"startswith", map[string]interface{}{"message|startswith": "failed"}, true},
		{"endswith", map[string]interface{}{"message|endswith": "10.0.0.5"}, true},
		{"regex", map[string]interface{}{"message|re": `from \d+\.\d+\.\d+\.\d+`}, true},
		{"metadata field", map[string]interface{}{"eventType": "authentication"}, true},
		{"numeric metadata", map[string]interface{}{"port": "22"}, true},
		{"missing field", map[string]interface{}{"nosuch": "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := ruleWith(map[string]interface{}{
				"selection": tc.selection,
				"condition": "selection",
			})
			got, err := MatchRule(rule, ev)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMatchFieldListIsOR(t *testing.T) {
	rule := ruleWith(map[string]interface{}{
		"selection": map[string]interface{}{
			"level": []interface{}{"error", "warn"},
		},
		"condition": "selection",
	})
	got, err := MatchRule(rule, loginEvent())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestSelectionMapIsAND(t *testing.T) {
	rule := ruleWith(map[string]interface{}{
		"selection": map[string]interface{}{
			"service":          "sshd",
			"message|contains": "no such needle",
		},
		"condition": "selection",
	})
	got, err := MatchRule(rule, loginEvent())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestSelectionListOfMapsIsOR(t *testing.T) {
	rule := ruleWith(map[string]interface{}{
		"selection": []interface{}{
			map[string]interface{}{"service": "nginx"},
			map[string]interface{}{"service": "sshd"},
		},
		"condition": "selection",
	})
	got, err := MatchRule(rule, loginEvent())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionExpressions(t *testing.T) {
	detection := map[string]interface{}{
		"sel_auth":  map[string]interface{}{"eventType": "authentication"},
		"sel_nginx": map[string]interface{}{"service": "nginx"},
		"filter":    map[string]interface{}{"level": "debug"},
	}
	ev := loginEvent()

	cases := []struct {
		condition string
		want      bool
	}{
		{"sel_auth", true},
		{"sel_nginx", false},
		{"sel_auth and not filter", true},
		{"sel_auth and sel_nginx", false},
		{"sel_auth or sel_nginx", true},
		{"not (sel_auth or sel_nginx)", false},
		{"1 of them", true},
		{"all of them", false},
		{"1 of sel_*", true},
		{"all of sel_*", false},
	}
	for _, tc := range cases {
		t.Run(tc.condition, func(t *testing.T) {
			d := map[string]interface{}{"condition": tc.condition}
			for k, v := range detection {
				d[k] = v
			}
			got, err := MatchRule(ruleWith(d), ev)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConditionErrors(t *testing.T) {
	d := map[string]interface{}{
		"selection": map[string]interface{}{"service": "sshd"},
	}

	for _, cond := range []string{"nosuch", "selection and", "(selection", "selection selection"} {
		d["condition"] = cond
		_, err := MatchRule(ruleWith(d), loginEvent())
		assert.Error(t, err, "condition %q", cond)
	}
}

func TestMatchRuleBadRegexPropagates(t *testing.T) {
	rule := ruleWith(map[string]interface{}{
		"selection": map[string]interface{}{"message|re": "("},
		"condition": "selection",
	})
	_, err := MatchRule(rule, loginEvent())
	assert.Error(t, err)
}

func TestParseSigmaYAML(t *testing.T) {
	raw := []byte(`
title: Suspicious SSH Login
id: 2b34c8a1-0000-4000-8000-000000000001
status: stable
level: high
logsource:
  product: linux
  service: sshd
detection:
  selection:
    message|contains:
      - 'Failed password'
      - 'Invalid user'
  condition: selection
`)
	rule, err := ParseSigmaYAML(raw)
	require.NoError(t, err)

	assert.Equal(t, "Suspicious SSH Login", rule.Title)
	assert.Equal(t, "high", rule.Level)
	assert.Equal(t, "linux", rule.Logsource["product"])
	assert.True(t, rule.Enabled)

	// The imported tree is immediately evaluable.
	got, err := MatchRule(rule, loginEvent())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParseSigmaYAMLRejectsIncomplete(t *testing.T) {
	_, err := ParseSigmaYAML([]byte("title: no detection here"))
	assert.Error(t, err)

	_, err = ParseSigmaYAML([]byte("detection:\n  selection:\n    a: b\n  condition: selection"))
	assert.Error(t, err, "missing title")
}

func TestEventFromLogCoreFieldsShadowMetadata(t *testing.T) {
	ev := EventFromLog(&database.Log{
		Message:  "real message",
		Level:    "info",
		Service:  "api",
		Metadata: map[string]interface{}{"message": "metadata message"},
	})
	assert.Equal(t, "real message", ev["message"])
}
