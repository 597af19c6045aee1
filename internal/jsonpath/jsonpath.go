// Package jsonpath resolves dotted and indexed paths such as "response.visible"
// or "items.0.id" against generic JSON values (map[string]any, []any and
// scalars as produced by encoding/json).
//
// Resolution distinguishes a path that cannot be followed from a path that
// resolves to JSON null, so callers can tell "unresolvable" apart from
// "resolved but empty".
package jsonpath

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrSyntax is returned for malformed paths.
var ErrSyntax = errors.New("invalid path syntax")

type stepKind int

const (
	keyStep stepKind = iota
	indexStep
)

type step struct {
	kind  stepKind
	key   string
	index int
}

// Path is a parsed path expression.
type Path struct {
	raw   string
	steps []step
}

// String returns the source expression.
func (p Path) String() string { return p.raw }

// Len returns the number of steps.
func (p Path) Len() int { return len(p.steps) }

// Parse parses a path expression. The empty string denotes the root value.
func Parse(expr string) (Path, error) {
	p := &parser{src: expr}
	steps, err := p.parse()
	if err != nil {
		return Path{}, err
	}
	return Path{raw: expr, steps: steps}, nil
}

// MustParse is Parse that panics on error. Intended for constants.
func MustParse(expr string) Path {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

type parser struct {
	src string
	pos int
}

func (p *parser) parse() ([]step, error) {
	var steps []step
	if p.src == "" {
		return steps, nil
	}
	// A path is a sequence of segments; each segment is a key optionally
	// followed by bracket indices, and segments are separated by dots.
	for {
		s, err := p.segment()
		if err != nil {
			return nil, err
		}
		steps = append(steps, s...)
		if p.pos >= len(p.src) {
			return steps, nil
		}
		if p.src[p.pos] != '.' {
			return nil, fmt.Errorf("%w: unexpected %q at offset %d in %q", ErrSyntax, p.src[p.pos], p.pos, p.src)
		}
		p.pos++
	}
}

func (p *parser) segment() ([]step, error) {
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != '.' && p.src[p.pos] != '[' {
		p.pos++
	}
	name := p.src[start:p.pos]

	var steps []step
	if name != "" {
		// Numeric keys stay keys; follow treats them as indices on arrays.
		steps = append(steps, step{kind: keyStep, key: name})
	}
	for p.pos < len(p.src) && p.src[p.pos] == '[' {
		s, err := p.bracket()
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: empty segment at offset %d in %q", ErrSyntax, start, p.src)
	}
	return steps, nil
}

func (p *parser) bracket() (step, error) {
	p.pos++ // '['
	if p.pos < len(p.src) && (p.src[p.pos] == '"' || p.src[p.pos] == '\'') {
		quote := p.src[p.pos]
		p.pos++
		end := strings.IndexByte(p.src[p.pos:], quote)
		if end < 0 {
			return step{}, fmt.Errorf("%w: unterminated quoted key in %q", ErrSyntax, p.src)
		}
		key := p.src[p.pos : p.pos+end]
		p.pos += end + 1
		if p.pos >= len(p.src) || p.src[p.pos] != ']' {
			return step{}, fmt.Errorf("%w: expected ']' in %q", ErrSyntax, p.src)
		}
		p.pos++
		return step{kind: keyStep, key: key}, nil
	}
	end := strings.IndexByte(p.src[p.pos:], ']')
	if end < 0 {
		return step{}, fmt.Errorf("%w: unterminated index in %q", ErrSyntax, p.src)
	}
	n, err := strconv.Atoi(p.src[p.pos : p.pos+end])
	if err != nil || n < 0 {
		return step{}, fmt.Errorf("%w: invalid index %q in %q", ErrSyntax, p.src[p.pos:p.pos+end], p.src)
	}
	p.pos += end + 1
	return step{kind: indexStep, index: n}, nil
}

// Resolve evaluates expr against root. The boolean is false when the path is
// malformed or cannot be followed.
func Resolve(root any, expr string) (any, bool) {
	p, err := Parse(expr)
	if err != nil {
		return nil, false
	}
	return p.Resolve(root)
}

// Resolve evaluates the parsed path against root.
func (p Path) Resolve(root any) (any, bool) {
	cur := root
	for _, s := range p.steps {
		next, ok := follow(cur, s)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func follow(cur any, s step) (any, bool) {
	switch node := cur.(type) {
	case map[string]any:
		if s.kind != keyStep {
			return nil, false
		}
		v, ok := node[s.key]
		return v, ok
	case []any:
		idx := s.index
		if s.kind == keyStep {
			n, err := strconv.Atoi(s.key)
			if err != nil {
				return nil, false
			}
			idx = n
		}
		if idx < 0 || idx >= len(node) {
			return nil, false
		}
		return node[idx], true
	default:
		return nil, false
	}
}

// Assign sets v at expr inside root, creating intermediate objects. Only key
// steps are supported.
func Assign(root map[string]any, expr string, v any) error {
	p, err := Parse(expr)
	if err != nil {
		return err
	}
	if len(p.steps) == 0 {
		return fmt.Errorf("%w: cannot assign to the root", ErrSyntax)
	}
	cur := root
	for i, s := range p.steps {
		if s.kind != keyStep {
			return fmt.Errorf("%w: index steps are not assignable in %q", ErrSyntax, expr)
		}
		if i == len(p.steps)-1 {
			cur[s.key] = v
			return nil
		}
		next, exists := cur[s.key]
		if !exists || next == nil {
			m := map[string]any{}
			cur[s.key] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot assign %q: %q is not an object", expr, s.key)
		}
		cur = m
	}
	return nil
}

// Stringify renders a resolved value for template output.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Interpolate replaces every {path} token in template with the string form of
// the value it resolves to in root. Unresolvable paths become "".
func Interpolate(template string, root any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(tok string) string {
		expr := strings.TrimSpace(tok[1 : len(tok)-1])
		v, ok := Resolve(root, expr)
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}

// Placeholders lists the path expressions referenced by template.
func Placeholders(template string) []string {
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}
