package workflow

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed definition.schema.json
var definitionSchema []byte

var loadSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(definitionSchema))
})

// CheckSchema validates raw definition JSON against the definition schema and
// returns one message per violation.
func CheckSchema(raw []byte) ([]string, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load definition schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return problems, nil
}

// ValidationResult holds errors and warnings from definition validation.
type ValidationResult struct {
	Errors   []string // Blocking: unknown states, roles or operations, duplicates
	Warnings []string // Non-blocking: cycles, unreachable states, unroled transitions
}

// HasErrors returns true if there are blocking validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// OperationLookup reports whether an operation reference resolves.
type OperationLookup func(ref string) bool

// Validate checks the semantic rules of a parsed definition. A nil
// operationExists skips the operation reference check.
func Validate(d *Definition, operationExists OperationLookup) *ValidationResult {
	r := &ValidationResult{}
	if d.InitialState == "" {
		r.Errors = append(r.Errors, "workflow.initial_state must be non-empty")
	}
	validateStates(d, r)
	validateTransitions(d, operationExists, r)
	validateReachability(d, r)
	validateCycles(d, r)
	return r
}

func validateStates(d *Definition, r *ValidationResult) {
	if len(d.States) == 0 {
		return
	}
	declared := stringSet(d.States)
	if d.InitialState != "" && !declared[d.InitialState] {
		r.Errors = append(r.Errors, fmt.Sprintf("workflow.initial_state %q is not a declared state", d.InitialState))
	}
	for _, t := range d.Transitions {
		if !declared[t.From] {
			r.Errors = append(r.Errors, fmt.Sprintf("transition %q: from state %q is not declared", t.Name, t.From))
		}
		if !declared[t.To] {
			r.Errors = append(r.Errors, fmt.Sprintf("transition %q: to state %q is not declared", t.Name, t.To))
		}
	}
}

func validateTransitions(d *Definition, operationExists OperationLookup, r *ValidationResult) {
	seen := make(map[string]bool, len(d.Transitions))
	roles := stringSet(d.Roles)
	for _, t := range d.Transitions {
		if seen[t.Name] {
			r.Errors = append(r.Errors, fmt.Sprintf("transition %q is declared more than once", t.Name))
		}
		seen[t.Name] = true

		if len(t.Roles) == 0 {
			r.Warnings = append(r.Warnings, fmt.Sprintf("transition %q has no roles and can never be triggered", t.Name))
		}
		if len(d.Roles) > 0 {
			for _, role := range t.Roles {
				if !roles[role] {
					r.Errors = append(r.Errors, fmt.Sprintf("transition %q: role %q is not declared", t.Name, role))
				}
			}
		}
		if operationExists == nil {
			continue
		}
		for _, e := range t.Effects {
			if call, ok := e.(InvokeTool); ok && !operationExists(call.Operation) {
				r.Errors = append(r.Errors, fmt.Sprintf("transition %q: operation %q does not exist", t.Name, call.Operation))
			}
		}
	}
}

// validateReachability warns about states no transition path reaches from
// the initial state.
func validateReachability(d *Definition, r *ValidationResult) {
	if d.InitialState == "" {
		return
	}
	graph := d.graph()
	reached := map[string]bool{d.InitialState: true}
	queue := []string{d.InitialState}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range graph[s] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, s := range d.stateNames() {
		if !reached[s] {
			r.Warnings = append(r.Warnings, fmt.Sprintf("state %q is unreachable from %q", s, d.InitialState))
		}
	}
}

// validateCycles reports cycles in the state graph (warn only).
func validateCycles(d *Definition, r *ValidationResult) {
	for _, cycle := range detectCycles(d) {
		r.Warnings = append(r.Warnings, fmt.Sprintf("workflow contains a cycle: %s", cycle))
	}
}

// detectCycles uses DFS to find back edges in the state graph.
func detectCycles(d *Definition) []string {
	const (
		white = iota // unvisited
		gray         // in current DFS path
		black        // fully explored
	)

	graph := d.graph()
	color := make(map[string]int, len(graph))
	var cycles []string

	var dfs func(state string)
	dfs = func(state string) {
		color[state] = gray
		for _, target := range graph[state] {
			switch color[target] {
			case gray:
				cycles = append(cycles, fmt.Sprintf("%s -> %s", state, target))
			case white:
				dfs(target)
			}
		}
		color[state] = black
	}

	for _, name := range d.stateNames() {
		if color[name] == white {
			dfs(name)
		}
	}
	return cycles
}

// graph maps each state to the distinct targets of its transitions.
func (d *Definition) graph() map[string][]string {
	g := make(map[string][]string)
	seen := make(map[[2]string]bool)
	for _, t := range d.Transitions {
		edge := [2]string{t.From, t.To}
		if seen[edge] {
			continue
		}
		seen[edge] = true
		g[t.From] = append(g[t.From], t.To)
	}
	return g
}

// stateNames returns declared states, or every state mentioned by a
// transition when none are declared, sorted for stable output.
func (d *Definition) stateNames() []string {
	set := stringSet(d.States)
	if len(set) == 0 {
		if d.InitialState != "" {
			set[d.InitialState] = true
		}
		for _, t := range d.Transitions {
			set[t.From] = true
			set[t.To] = true
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func stringSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
