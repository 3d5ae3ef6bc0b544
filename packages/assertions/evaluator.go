package assertions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

type Result struct {
	Passed   bool
	Message  string
	Expected any
	Actual   any
	Subject  string
	Operator string
}

type Evaluator struct {
	response *browser.Response
	bodyJSON gjson.Result
	baseDir  string // schema paths resolve against it
}

func NewEvaluator(resp *browser.Response, baseDir string) *Evaluator {
	e := &Evaluator{
		response: resp,
		baseDir:  baseDir,
	}
	if resp.IsJSON() {
		e.bodyJSON = gjson.ParseBytes(resp.Body)
	}
	return e
}

func (e *Evaluator) Evaluate(a *Assertion) *Result {
	result := &Result{
		Subject:  a.Subject,
		Operator: a.Operator.String(),
		Expected: a.Expected,
	}

	actual, err := e.actual(a.Subject)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	result.Actual = actual

	result.Passed, result.Message = e.compare(actual, a.Operator, a.Expected)
	if a.Operator == OpLength {
		result.Actual = computeLength(actual)
	}
	return result
}

// EvaluateAll evaluates every assertion against resp
func EvaluateAll(resp *browser.Response, list []*Assertion, baseDir string) []*Result {
	e := NewEvaluator(resp, baseDir)
	results := make([]*Result, len(list))
	for i, a := range list {
		results[i] = e.Evaluate(a)
	}
	return results
}

func (e *Evaluator) actual(subject string) (any, error) {
	switch {
	case subject == "status":
		return e.response.StatusCode, nil
	case subject == "duration":
		return e.response.Duration.Milliseconds(), nil
	case strings.HasPrefix(subject, "header"):
		name := strings.TrimSpace(strings.TrimPrefix(subject, "header"))
		if name == "" {
			return e.response.Headers, nil
		}
		if v := e.response.Header(name); v != "" {
			return v, nil
		}
		return nil, nil
	case subject == "body":
		if e.bodyJSON.Exists() {
			return e.bodyJSON.Value(), nil
		}
		return e.response.BodyString(), nil
	case strings.HasPrefix(subject, "body."), strings.HasPrefix(subject, "body["):
		if !e.bodyJSON.Exists() {
			return nil, fmt.Errorf("response body is not JSON")
		}
		return e.lookup(strings.TrimPrefix(subject, "body")), nil
	default:
		if !e.bodyJSON.Exists() {
			return nil, fmt.Errorf("unknown subject %q", subject)
		}
		return e.lookup(subject), nil
	}
}

var bracketIndex = regexp.MustCompile(`\[(\d+)\]`)

// lookup resolves a gjson path, accepting items[0].id as well as items.0.id
func (e *Evaluator) lookup(path string) any {
	path = bracketIndex.ReplaceAllString(path, ".$1")
	path = strings.TrimPrefix(path, ".")
	r := e.bodyJSON.Get(path)
	if !r.Exists() {
		return nil
	}
	return r.Value()
}

func (e *Evaluator) compare(actual any, op Operator, expected any) (bool, string) {
	switch op {
	case OpEquals:
		return equals(actual, expected)
	case OpNotEquals:
		return negate(equals(actual, expected))("expected not to equal %v", expected)
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		return compareNumeric(actual, expected, op)
	case OpContains:
		return check(strings.Contains(str(actual), str(expected)), "expected '%v' to contain '%v'", actual, expected)
	case OpNotContains:
		return check(!strings.Contains(str(actual), str(expected)), "expected '%v' not to contain '%v'", actual, expected)
	case OpStartsWith:
		return check(strings.HasPrefix(str(actual), str(expected)), "expected '%v' to start with '%v'", actual, expected)
	case OpEndsWith:
		return check(strings.HasSuffix(str(actual), str(expected)), "expected '%v' to end with '%v'", actual, expected)
	case OpMatches:
		return matches(actual, expected)
	case OpExists:
		return check(actual != nil, "expected to exist")
	case OpNotExists:
		return check(actual == nil, "expected not to exist, got %v", actual)
	case OpLength:
		return length(actual, expected)
	case OpIncludes:
		return includes(actual, expected)
	case OpNotIncludes:
		return negate(includes(actual, expected))("expected not to include %v", expected)
	case OpIn:
		return in(actual, expected)
	case OpNotIn:
		return negate(in(actual, expected))("expected %v not to be in %v", actual, expected)
	case OpType:
		got := typeName(actual)
		return check(got == str(expected), "expected type %v, got %s", expected, got)
	case OpSchema:
		return e.schema(actual, expected)
	default:
		return false, fmt.Sprintf("unknown operator: %v", op)
	}
}

func check(ok bool, format string, args ...any) (bool, string) {
	if ok {
		return true, ""
	}
	return false, fmt.Sprintf(format, args...)
}

func negate(ok bool, _ string) func(format string, args ...any) (bool, string) {
	return func(format string, args ...any) (bool, string) {
		return check(!ok, format, args...)
	}
}

func str(v any) string {
	return fmt.Sprintf("%v", v)
}

func equals(actual, expected any) (bool, string) {
	if reflect.DeepEqual(actual, expected) {
		return true, ""
	}
	a, aOk := toFloat64(actual)
	b, bOk := toFloat64(expected)
	if aOk && bOk && a == b {
		return true, ""
	}
	if actual != nil && str(actual) == str(expected) {
		return true, ""
	}
	return false, fmt.Sprintf("expected %v, got %v", expected, actual)
}

func compareNumeric(actual, expected any, op Operator) (bool, string) {
	a, aOk := toFloat64(actual)
	b, bOk := toFloat64(expected)
	if !aOk || !bOk {
		return false, fmt.Sprintf("cannot compare non-numeric values: %v %s %v", actual, op, expected)
	}

	var ok bool
	switch op {
	case OpGreaterThan:
		ok = a > b
	case OpGreaterOrEqual:
		ok = a >= b
	case OpLessThan:
		ok = a < b
	case OpLessOrEqual:
		ok = a <= b
	}
	return check(ok, "expected %v %s %v", actual, op, expected)
}

func matches(actual, expected any) (bool, string) {
	pattern := strings.TrimSuffix(strings.TrimPrefix(str(expected), "/"), "/")
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Sprintf("invalid regex pattern: %v", err)
	}
	return check(re.MatchString(str(actual)), "expected '%v' to match /%v/", actual, pattern)
}

// computeLength returns the length of a value, or -1 if it has none
func computeLength(actual any) int {
	switch v := actual.(type) {
	case string:
		return len(v)
	case []any:
		return len(v)
	case map[string]any:
		return len(v)
	}
	rv := reflect.ValueOf(actual)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return rv.Len()
	default:
		return -1
	}
}

func length(actual, expected any) (bool, string) {
	want, ok := toInt(expected)
	if !ok {
		return false, fmt.Sprintf("expected length must be a number, got %v", expected)
	}
	got := computeLength(actual)
	if got == -1 {
		return false, fmt.Sprintf("cannot get length of %T", actual)
	}
	return check(got == want, "expected length %d, got %d", want, got)
}

func includes(actual, expected any) (bool, string) {
	arr, ok := actual.([]any)
	if !ok {
		return false, fmt.Sprintf("expected array, got %T", actual)
	}
	for _, item := range arr {
		if ok, _ := equals(item, expected); ok {
			return true, ""
		}
	}
	return false, fmt.Sprintf("expected array to include %v", expected)
}

func in(actual, expected any) (bool, string) {
	arr, ok := expected.([]any)
	if !ok {
		return false, fmt.Sprintf("expected array for 'in' operator, got %T", expected)
	}
	for _, item := range arr {
		if ok, _ := equals(actual, item); ok {
			return true, ""
		}
	}
	return false, fmt.Sprintf("expected %v to be in %v", actual, expected)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return reflect.TypeOf(v).String()
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	if f, ok := toFloat64(v); ok {
		return int(f), true
	}
	return 0, false
}

// withinBase reports an error if path escapes baseDir
func withinBase(path, baseDir string) error {
	if baseDir == "" {
		return nil
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return fmt.Errorf("schema %s is outside %s", path, baseDir)
	}
	return nil
}

func (e *Evaluator) schema(actual, expected any) (bool, string) {
	path := str(expected)
	if !filepath.IsAbs(path) && e.baseDir != "" {
		path = filepath.Join(e.baseDir, path)
	}
	if err := withinBase(path, e.baseDir); err != nil {
		return false, err.Error()
	}

	schema, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Sprintf("failed to read schema file: %v", err)
	}
	doc, err := json.Marshal(actual)
	if err != nil {
		return false, fmt.Sprintf("failed to marshal actual value: %v", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return false, fmt.Sprintf("schema validation error: %v", err)
	}
	if result.Valid() {
		return true, ""
	}

	var errs []string
	for _, d := range result.Errors() {
		errs = append(errs, d.String())
	}
	return false, "schema validation failed: " + strings.Join(errs, "; ")
}
