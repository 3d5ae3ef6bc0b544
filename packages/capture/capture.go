package capture

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/abdul-hamid-achik/hitrun/packages/browser"
	"github.com/abdul-hamid-achik/hitrun/packages/builtin"
	"github.com/tidwall/gjson"
)

// Extractor pulls values out of a response
type Extractor struct {
	response *browser.Response
	bodyJSON gjson.Result
}

func NewExtractor(resp *browser.Response) *Extractor {
	e := &Extractor{response: resp}
	if resp.IsJSON() {
		e.bodyJSON = gjson.ParseBytes(resp.Body)
	}
	return e
}

// Extract resolves a source: status, header <name>, body, or a body path
// written as body.<gjson path>.
func (e *Extractor) Extract(source string) (string, bool) {
	source = strings.TrimSpace(source)
	switch {
	case source == "status":
		return fmt.Sprint(e.response.StatusCode), true
	case strings.HasPrefix(source, "header "):
		v := e.response.Header(strings.TrimSpace(strings.TrimPrefix(source, "header ")))
		return v, v != ""
	case source == "body":
		return e.response.BodyString(), true
	case strings.HasPrefix(source, "body."):
		if !e.bodyJSON.Exists() {
			return "", false
		}
		r := e.bodyJSON.Get(strings.TrimPrefix(source, "body."))
		if !r.Exists() {
			return "", false
		}
		return r.String(), true
	default:
		return "", false
	}
}

// ExtractAll resolves every named source. Missing values are reported by name.
func ExtractAll(resp *browser.Response, sources map[string]string) (map[string]string, error) {
	e := NewExtractor(resp)
	values := make(map[string]string, len(sources))
	var missing []string
	for name, source := range sources {
		v, ok := e.Extract(source)
		if !ok {
			missing = append(missing, name)
			continue
		}
		values[name] = v
	}
	if len(missing) > 0 {
		return values, fmt.Errorf("capture: no value for %s", strings.Join(missing, ", "))
	}
	return values, nil
}

var (
	reference = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.-]*)\s*\}\}`)
	call      = regexp.MustCompile(`\{\{\s*\$([^{}]+?)\s*\}\}`)
)

// Interpolate replaces {{name}} references with captured values and
// {{$fn(args)}} calls with the result of the builtin function. Unknown
// references and failing calls are left as written.
func Interpolate(s string, values map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	s = call.ReplaceAllStringFunc(s, func(m string) string {
		v, ok, err := builtin.Default.Call(call.FindStringSubmatch(m)[1])
		if !ok || err != nil {
			return m
		}
		return v
	})
	if len(values) == 0 {
		return s
	}
	return reference.ReplaceAllStringFunc(s, func(m string) string {
		name := reference.FindStringSubmatch(m)[1]
		if v, ok := values[name]; ok {
			return v
		}
		return m
	})
}
