// Package ruleparser implements a small rule-string grammar:
// `pattern ':' action` where `action := 'block' | 'shape' ':'
// latency_ms [ ':' jitter_ms ]`, multiple rules joined by `;`. A CLI
// front-end that reads this from argv is out of scope here; this package
// is the parser the engine's HostRuleAdd/HostRuleRemove callers and the
// reference harness both consume.
package ruleparser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relaytun/flowbridge/pkg/policy"
)

// RuleSpec is one parsed rule, ready to hand to
// (*pkg/engine.Engine).HostRuleAdd.
type RuleSpec struct {
	Pattern   string
	Action    policy.Action
	LatencyMs int
	JitterMs  int
}

// Parse splits s on ';' and parses each non-empty segment as one rule.
// Whitespace around segments and fields is trimmed. Returns an error
// naming the offending segment on the first malformed rule; partial
// results are never returned since rule installation should be all-or-
// nothing for a single CLI invocation.
func Parse(s string) ([]RuleSpec, error) {
	var rules []RuleSpec
	for _, seg := range strings.Split(s, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		r, err := parseOne(seg)
		if err != nil {
			return nil, fmt.Errorf("ruleparser: %q: %w", seg, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func parseOne(seg string) (RuleSpec, error) {
	fields := strings.Split(seg, ":")
	if len(fields) < 2 {
		return RuleSpec{}, fmt.Errorf("expected 'pattern:action', got %d field(s)", len(fields))
	}
	pattern := strings.TrimSpace(fields[0])
	if pattern == "" {
		return RuleSpec{}, fmt.Errorf("empty pattern")
	}
	action := strings.ToLower(strings.TrimSpace(fields[1]))

	switch action {
	case "block":
		if len(fields) != 2 {
			return RuleSpec{}, fmt.Errorf("block takes no arguments")
		}
		return RuleSpec{Pattern: pattern, Action: policy.ActionBlock}, nil
	case "shape":
		rest := fields[2:]
		if len(rest) < 1 || len(rest) > 2 {
			return RuleSpec{}, fmt.Errorf("shape requires latency_ms [:jitter_ms]")
		}
		latency, err := strconv.Atoi(strings.TrimSpace(rest[0]))
		if err != nil {
			return RuleSpec{}, fmt.Errorf("invalid latency_ms: %w", err)
		}
		jitter := 0
		if len(rest) == 2 {
			jitter, err = strconv.Atoi(strings.TrimSpace(rest[1]))
			if err != nil {
				return RuleSpec{}, fmt.Errorf("invalid jitter_ms: %w", err)
			}
		}
		return RuleSpec{Pattern: pattern, Action: policy.ActionShape, LatencyMs: latency, JitterMs: jitter}, nil
	default:
		return RuleSpec{}, fmt.Errorf("unknown action %q", action)
	}
}
