package assertions

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Operator is the comparison an assertion applies
type Operator int

const (
	OpEquals Operator = iota
	OpNotEquals
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLessOrEqual
	OpContains
	OpNotContains
	OpStartsWith
	OpEndsWith
	OpMatches
	OpExists
	OpNotExists
	OpLength
	OpIncludes
	OpNotIncludes
	OpIn
	OpNotIn
	OpType
	OpSchema
)

var operatorNames = map[Operator]string{
	OpEquals:         "==",
	OpNotEquals:      "!=",
	OpGreaterThan:    ">",
	OpGreaterOrEqual: ">=",
	OpLessThan:       "<",
	OpLessOrEqual:    "<=",
	OpContains:       "contains",
	OpNotContains:    "!contains",
	OpStartsWith:     "startsWith",
	OpEndsWith:       "endsWith",
	OpMatches:        "matches",
	OpExists:         "exists",
	OpNotExists:      "!exists",
	OpLength:         "length",
	OpIncludes:       "includes",
	OpNotIncludes:    "!includes",
	OpIn:             "in",
	OpNotIn:          "!in",
	OpType:           "type",
	OpSchema:         "schema",
}

func (op Operator) String() string {
	if name, ok := operatorNames[op]; ok {
		return name
	}
	return "unknown"
}

// ParseOperator accepts the operator spellings case-insensitively
func ParseOperator(s string) (Operator, bool) {
	for op, name := range operatorNames {
		if strings.EqualFold(name, s) {
			return op, true
		}
	}
	return OpEquals, false
}

// Assertion is one expectation about a response
type Assertion struct {
	Subject  string
	Operator Operator
	Expected any
}

func (a *Assertion) String() string {
	if a.Operator == OpExists || a.Operator == OpNotExists {
		return a.Subject + " " + a.Operator.String()
	}
	return fmt.Sprintf("%s %s %v", a.Subject, a.Operator, a.Expected)
}

// Parse reads an assertion written as "<subject> <operator> [value]".
// A header subject takes the header name as a second word
// ("header Content-Type contains json"). The value is decoded as a YAML
// scalar or flow collection, so 200 is a number and [1, 2] a list.
func Parse(line string) (*Assertion, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("invalid assertion %q: want <subject> <operator> [value]", line)
	}

	subject := fields[0]
	rest := fields[1:]
	if strings.EqualFold(subject, "header") {
		if len(rest) < 2 {
			return nil, fmt.Errorf("invalid assertion %q: header needs a name and an operator", line)
		}
		subject = "header " + rest[0]
		rest = rest[1:]
	}

	op, ok := ParseOperator(rest[0])
	if !ok {
		return nil, fmt.Errorf("invalid assertion %q: unknown operator %q", line, rest[0])
	}

	a := &Assertion{Subject: subject, Operator: op}
	if op == OpExists || op == OpNotExists {
		return a, nil
	}
	if len(rest) < 2 {
		return nil, fmt.Errorf("invalid assertion %q: operator %s needs a value", line, op)
	}

	raw := valueAfter(line, len(fields)-len(rest)+1)
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		v = raw
	}
	a.Expected = v
	return a, nil
}

// valueAfter returns the text of line after its first n words, untouched
func valueAfter(line string, n int) string {
	s := strings.TrimSpace(line)
	for i := 0; i < n; i++ {
		idx := strings.IndexFunc(s, isSpace)
		if idx < 0 {
			return ""
		}
		s = strings.TrimLeftFunc(s[idx:], isSpace)
	}
	return s
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t'
}
