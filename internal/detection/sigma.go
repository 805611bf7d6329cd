// Package detection evaluates Sigma-style rules over freshly ingested log
// batches. Rules are stored pre-parsed (logsource + detection tree); the
// worker matches every log of a batch against every enabled rule in scope.
package detection

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/loghive/backend/internal/database"
)

// Event is the flat view of a log a rule matches against: the core columns
// plus every metadata key.
type Event map[string]interface{}

// EventFromLog flattens a log row. Core fields shadow metadata keys of the
// same name.
func EventFromLog(l *database.Log) Event {
	ev := make(Event, len(l.Metadata)+4)
	for k, v := range l.Metadata {
		ev[k] = v
	}
	ev["message"] = l.Message
	ev["level"] = string(l.Level)
	ev["service"] = l.Service
	if l.TraceID != "" {
		ev["traceId"] = l.TraceID
	}
	return ev
}

// MatchRule evaluates one rule's detection tree against one event.
func MatchRule(rule *database.SigmaRule, ev Event) (bool, error) {
	detection := rule.Detection
	if len(detection) == 0 {
		return false, fmt.Errorf("rule %s has an empty detection tree", rule.ID)
	}

	selections := make(map[string]bool)
	var names []string
	for name, sel := range detection {
		if name == "condition" {
			continue
		}
		ok, err := evalSelection(sel, ev)
		if err != nil {
			return false, fmt.Errorf("selection %s: %w", name, err)
		}
		selections[name] = ok
		names = append(names, name)
	}
	if len(selections) == 0 {
		return false, fmt.Errorf("rule %s has no selections", rule.ID)
	}

	condition, _ := detection["condition"].(string)
	if condition == "" {
		condition = "1 of them"
	}
	return evalCondition(condition, selections, names)
}

// evalSelection handles the two selection shapes: a map is an AND over its
// fields, a list of maps is an OR over its entries.
func evalSelection(sel interface{}, ev Event) (bool, error) {
	switch t := sel.(type) {
	case map[string]interface{}:
		for key, expected := range t {
			ok, err := matchField(ev, key, expected)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case []interface{}:
		for _, entry := range t {
			ok, err := evalSelection(entry, ev)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported selection shape %T", sel)
	}
}

// matchField applies one field matcher. The key may carry a modifier
// (field|contains etc.); a list value is an OR over its entries.
func matchField(ev Event, key string, expected interface{}) (bool, error) {
	name, modifier := key, ""
	if i := strings.Index(key, "|"); i >= 0 {
		name, modifier = key[:i], key[i+1:]
	}
	actual := stringify(ev[name])

	candidates, ok := expected.([]interface{})
	if !ok {
		candidates = []interface{}{expected}
	}
	for _, cand := range candidates {
		ok, err := matchValue(actual, stringify(cand), modifier)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchValue(actual, expected, modifier string) (bool, error) {
	switch modifier {
	case "":
		return strings.EqualFold(actual, expected), nil
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(expected)), nil
	case "startswith":
		return strings.HasPrefix(strings.ToLower(actual), strings.ToLower(expected)), nil
	case "endswith":
		return strings.HasSuffix(strings.ToLower(actual), strings.ToLower(expected)), nil
	case "re":
		re, err := regexp.Compile(expected)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", expected, err)
		}
		return re.MatchString(actual), nil
	default:
		return false, fmt.Errorf("unsupported modifier %q", modifier)
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ============================================================================
// CONDITION EXPRESSIONS
// ============================================================================

// evalCondition interprets the condition language: selection names,
// and/or/not, parentheses, "1 of them" / "all of them", and wildcard
// references like "1 of sel_*".
func evalCondition(condition string, selections map[string]bool, names []string) (bool, error) {
	p := &condParser{tokens: tokenize(condition), selections: selections, names: names}
	result, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", condition, err)
	}
	if p.pos != len(p.tokens) {
		return false, fmt.Errorf("condition %q: trailing tokens", condition)
	}
	return result, nil
}

func tokenize(s string) []string {
	s = strings.ReplaceAll(s, "(", " ( ")
	s = strings.ReplaceAll(s, ")", " ) ")
	return strings.Fields(s)
}

type condParser struct {
	tokens     []string
	pos        int
	selections map[string]bool
	names      []string
}

func (p *condParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *condParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *condParser) parseAnd() (bool, error) {
	left, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *condParser) parseNot() (bool, error) {
	if strings.EqualFold(p.peek(), "not") {
		p.next()
		v, err := p.parseNot()
		if err != nil {
			return false, err
		}
		return !v, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (bool, error) {
	tok := p.next()
	switch {
	case tok == "":
		return false, fmt.Errorf("unexpected end of expression")
	case tok == "(":
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if p.next() != ")" {
			return false, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	case tok == "1" || strings.EqualFold(tok, "all"):
		if !strings.EqualFold(p.next(), "of") {
			return false, fmt.Errorf("expected 'of' after %q", tok)
		}
		target := p.next()
		return p.quantified(tok, target)
	default:
		v, ok := p.selections[tok]
		if !ok {
			return false, fmt.Errorf("unknown selection %q", tok)
		}
		return v, nil
	}
}

// quantified evaluates "1 of X" / "all of X" where X is "them" or a
// wildcard pattern over selection names.
func (p *condParser) quantified(quant, target string) (bool, error) {
	var pool []string
	if strings.EqualFold(target, "them") {
		pool = p.names
	} else {
		for _, name := range p.names {
			if wildcardMatch(target, name) {
				pool = append(pool, name)
			}
		}
	}
	if len(pool) == 0 {
		return false, fmt.Errorf("no selections match %q", target)
	}

	matched := 0
	for _, name := range pool {
		if p.selections[name] {
			matched++
		}
	}
	if quant == "1" {
		return matched >= 1, nil
	}
	return matched == len(pool), nil
}

// wildcardMatch supports trailing-star patterns, the only form Sigma
// conditions use in practice.
func wildcardMatch(pattern, name string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}
	return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
}

// ============================================================================
// YAML IMPORT
// ============================================================================

// ParseSigmaYAML converts one Sigma rule document into a storable rule. The
// detection tree is kept as parsed JSON-shaped maps.
func ParseSigmaYAML(raw []byte) (*database.SigmaRule, error) {
	var doc map[interface{}]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("sigma yaml: %w", err)
	}
	tree, ok := normalizeYAML(doc).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("sigma yaml: document is not a mapping")
	}

	detection, ok := tree["detection"].(map[string]interface{})
	if !ok || len(detection) == 0 {
		return nil, fmt.Errorf("sigma yaml: missing detection section")
	}

	rule := &database.SigmaRule{
		SigmaID:   str(tree["id"]),
		Title:     str(tree["title"]),
		Level:     str(tree["level"]),
		Status:    str(tree["status"]),
		Detection: detection,
		Enabled:   true,
	}
	if ls, ok := tree["logsource"].(map[string]interface{}); ok {
		rule.Logsource = ls
	}
	if rule.Title == "" {
		return nil, fmt.Errorf("sigma yaml: missing title")
	}
	return rule, nil
}

// normalizeYAML rewrites yaml.v2's interface-keyed maps into string-keyed
// maps so the tree round-trips through JSON columns.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeYAML(e)
		}
		return out
	default:
		return v
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
