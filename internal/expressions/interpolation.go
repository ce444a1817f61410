package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/expr-lang/expr/vm"

	"github.com/rendis/procflow/pkg/schema"
)

// Interpolator renders {{ expr }} templates in prompts and task params
// against instance variables.
type Interpolator struct {
	programs *exprCache
}

// NewInterpolator creates an Interpolator with an empty program cache.
func NewInterpolator() *Interpolator {
	return &Interpolator{programs: newExprCache()}
}

type segment struct {
	text string
	code string
	prg  *vm.Program
}

// Template is a compiled string with zero or more {{ }} placeholders.
type Template struct {
	raw      string
	segments []segment
}

// Compile splits s into literal text and compiled placeholders.
func (interp *Interpolator) Compile(s string) (*Template, error) {
	t := &Template{raw: s}
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			t.segments = append(t.segments, segment{text: s[i:]})
			break
		}
		if idx > 0 {
			t.segments = append(t.segments, segment{text: s[i : i+idx]})
		}
		start := i + idx + 2
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed {{ in %q", s)
		}
		end += start

		code := strings.TrimSpace(s[start:end])
		if code == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "empty placeholder in %q", s)
		}
		if strings.Contains(code, "{{") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "nested placeholder in %q", s)
		}
		prg, err := interp.programs.compile(code)
		if err != nil {
			return nil, err
		}
		t.segments = append(t.segments, segment{code: code, prg: prg})
		i = end + 2
	}
	return t, nil
}

// Render evaluates the template. A template that is exactly one placeholder
// keeps the value's type; anything else renders to a string.
func (t *Template) Render(vars map[string]any) (any, error) {
	if len(t.segments) == 1 && t.segments[0].prg != nil {
		return runExpr(t.segments[0].prg, t.segments[0].code, vars)
	}
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.prg == nil {
			b.WriteString(seg.text)
			continue
		}
		v, err := runExpr(seg.prg, seg.code, vars)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

// RenderString renders a template and always returns a string.
func (interp *Interpolator) RenderString(s string, vars map[string]any) (string, error) {
	t, err := interp.Compile(s)
	if err != nil {
		return "", err
	}
	return t.RenderString(vars)
}

// RenderString renders the template to a string whatever its shape.
func (t *Template) RenderString(vars map[string]any) (string, error) {
	v, err := t.Render(vars)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

// RenderValue walks maps and slices and renders every string leaf.
func (interp *Interpolator) RenderValue(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		t, err := interp.Compile(val)
		if err != nil {
			return nil, err
		}
		return t.Render(vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interp.RenderValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interp.RenderValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// CompileValue checks every template inside v without rendering it.
// path is used to prefix the returned error locations.
func (interp *Interpolator) CompileValue(path string, v any) map[string]error {
	errs := map[string]error{}
	interp.compileValue(path, v, errs)
	return errs
}

func (interp *Interpolator) compileValue(path string, v any, errs map[string]error) {
	switch val := v.(type) {
	case string:
		if strings.Contains(val, "{{") {
			if _, err := interp.Compile(val); err != nil {
				errs[path] = err
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			interp.compileValue(path+"."+k, val[k], errs)
		}
	case []any:
		for i, item := range val {
			interp.compileValue(fmt.Sprintf("%s[%d]", path, i), item, errs)
		}
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
