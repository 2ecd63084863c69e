package selection

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	language "github.com/hanpama/normcache/internal/language"
)

// Build returns the root Set of an operation in doc. operationName may be
// empty when doc holds a single operation. When s is nil, doc is treated as
// unvalidated: field types are unknown and fragment type conditions are not
// enforced.
func Build(s *language.Schema, doc *language.QueryDocument, operationName string, variables map[string]any) (Set, error) {
	op := getOperation(doc, operationName)
	if op == nil {
		if operationName == "" {
			return nil, fmt.Errorf("document must contain exactly one operation when no name is given")
		}
		return nil, fmt.Errorf("operation %q not found", operationName)
	}
	vars, err := coerceVariableValues(op, variables)
	if err != nil {
		return nil, err
	}
	b := &builder{schema: s, document: doc, variables: vars}
	var rootType string
	if s != nil {
		switch op.Operation {
		case language.Query:
			rootType = nameOf(s.Query)
		case language.Mutation:
			rootType = nameOf(s.Mutation)
		case language.Subscription:
			rootType = nameOf(s.Subscription)
		}
	}
	return b.selectionSet(rootType, op.SelectionSet, nil)
}

// BuildFragment returns the Set selected by the named fragment, for reading
// or writing the fragment at an arbitrary record key.
func BuildFragment(s *language.Schema, doc *language.QueryDocument, fragmentName string, variables map[string]any) (Set, error) {
	frag := getFragmentDefinition(doc, fragmentName)
	if frag == nil {
		return nil, fmt.Errorf("fragment %q not found", fragmentName)
	}
	if variables == nil {
		variables = map[string]any{}
	}
	b := &builder{schema: s, document: doc, variables: variables}
	return b.selectionSet(frag.TypeCondition, frag.SelectionSet, nil)
}

type builder struct {
	schema    *language.Schema
	document  *language.QueryDocument
	variables map[string]any
}

// condition is the set of concrete types a fragment restricts its fields to.
// A nil condition applies everywhere.
type condition struct {
	name  string
	types []string
}

func (b *builder) selectionSet(parentType string, set language.SelectionSet, cond *condition) (Set, error) {
	var out Set
	visited := make(map[string]bool)
	if err := b.collect(parentType, set, cond, visited, &out); err != nil {
		return nil, err
	}
	out = mergeSameResponseName(out)
	if hasConditions(out) && !hasTypename(out) {
		out = append(Set{{ResponseName: TypenameField, Name: TypenameField, Type: &Type{Named: "String", NonNull: true}}}, out...)
	}
	return out, nil
}

// collect walks set, expanding fragments in place.
func (b *builder) collect(parentType string, set language.SelectionSet, cond *condition, visited map[string]bool, out *Set) error {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *language.Field:
			if !b.shouldInclude(sel.Directives) {
				continue
			}
			f, err := b.field(parentType, sel, cond)
			if err != nil {
				return err
			}
			*out = append(*out, f)

		case *language.InlineFragment:
			if !b.shouldInclude(sel.Directives) {
				continue
			}
			next := b.narrow(parentType, sel.TypeCondition, cond)
			if err := b.collect(parentType, sel.SelectionSet, next, visited, out); err != nil {
				return err
			}

		case *language.FragmentSpread:
			if !b.shouldInclude(sel.Directives) {
				continue
			}
			if visited[sel.Name] {
				continue
			}
			visited[sel.Name] = true
			def := getFragmentDefinition(b.document, sel.Name)
			if def == nil {
				return fmt.Errorf("fragment %q not found", sel.Name)
			}
			if !b.shouldInclude(def.Directives) {
				continue
			}
			next := b.narrow(parentType, def.TypeCondition, cond)
			if err := b.collect(parentType, def.SelectionSet, next, visited, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *builder) field(parentType string, sel *language.Field, cond *condition) (*Field, error) {
	responseName := sel.Alias
	if responseName == "" {
		responseName = sel.Name
	}
	f := &Field{
		ResponseName: responseName,
		Name:         sel.Name,
		Arguments:    b.argumentValues(sel.Arguments),
	}
	if cond != nil {
		f.TypeCondition = cond.name
		f.PossibleTypes = cond.types
	}
	def, err := b.fieldDefinition(parentType, sel, cond)
	if err != nil {
		return nil, err
	}
	var childType string
	if def != nil && def.Type != nil {
		f.Type = typeFromAST(def.Type)
		childType = def.Type.Name()
	}
	if len(sel.SelectionSet) > 0 {
		children, err := b.selectionSet(childType, sel.SelectionSet, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", responseName, err)
		}
		f.Selections = children
	}
	return f, nil
}

// fieldDefinition returns the schema definition of sel. Validated documents
// carry it already; fragment-only documents are looked up in the schema.
func (b *builder) fieldDefinition(parentType string, sel *language.Field, cond *condition) (*language.FieldDefinition, error) {
	if cond != nil {
		parentType = cond.name
	}
	if sel.Definition != nil || b.schema == nil || parentType == "" || sel.Name == TypenameField {
		return sel.Definition, nil
	}
	parent := b.schema.Types[parentType]
	if parent == nil {
		return nil, nil
	}
	def := parent.Fields.ForName(sel.Name)
	if def == nil {
		return nil, fmt.Errorf("cannot query field %q on type %q", sel.Name, parentType)
	}
	return def, nil
}

// narrow combines the enclosing condition with a fragment type condition.
// Without a schema conditions are not tracked.
func (b *builder) narrow(parentType, typeCondition string, outer *condition) *condition {
	if b.schema == nil || typeCondition == "" {
		return outer
	}
	types := b.possibleTypes(typeCondition)
	if outer == nil && parentType != "" && isSubset(b.possibleTypes(parentType), types) {
		// Every object at this position satisfies the fragment.
		return nil
	}
	if outer != nil {
		var both []string
		for _, t := range types {
			if slices.Contains(outer.types, t) {
				both = append(both, t)
			}
		}
		types = both
	}
	return &condition{name: typeCondition, types: types}
}

func (b *builder) possibleTypes(name string) []string {
	def := b.schema.Types[name]
	if def == nil {
		return []string{name}
	}
	if def.Kind == language.Object {
		return []string{def.Name}
	}
	var out []string
	for _, pt := range b.schema.GetPossibleTypes(def) {
		out = append(out, pt.Name)
	}
	slices.Sort(out)
	return out
}

// shouldInclude evaluates @skip and @include.
func (b *builder) shouldInclude(directives language.DirectiveList) bool {
	if skip := directives.ForName("skip"); skip != nil {
		if v, ok := b.directiveArgument(skip, "if").(bool); ok && v {
			return false
		}
	}
	if include := directives.ForName("include"); include != nil {
		if v, ok := b.directiveArgument(include, "if").(bool); ok && !v {
			return false
		}
	}
	return true
}

func (b *builder) directiveArgument(directive *language.Directive, name string) any {
	for _, arg := range directive.Arguments {
		if arg.Name == name {
			v, _ := valueFromAST(arg.Value, b.variables)
			return v
		}
	}
	return nil
}

// argumentValues resolves the arguments written on a field. An argument bound
// to a variable that was not provided is left out.
func (b *builder) argumentValues(arguments language.ArgumentList) map[string]any {
	if len(arguments) == 0 {
		return nil
	}
	out := make(map[string]any, len(arguments))
	for _, arg := range arguments {
		v, ok := valueFromAST(arg.Value, b.variables)
		if !ok {
			continue
		}
		out[arg.Name] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// coerceVariableValues applies variable defaults and rejects missing
// required variables.
func coerceVariableValues(op *language.OperationDefinition, values map[string]any) (map[string]any, error) {
	if values == nil {
		values = map[string]any{}
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[strings.TrimPrefix(k, "$")] = v
	}
	for _, def := range op.VariableDefinitions {
		name := def.Variable
		v, ok := out[name]
		if !ok {
			if def.DefaultValue != nil {
				dv, _ := valueFromAST(def.DefaultValue, nil)
				out[name] = dv
				continue
			}
			if def.Type != nil && def.Type.NonNull {
				return nil, fmt.Errorf("variable $%s of required type %s was not provided", name, def.Type.String())
			}
			continue
		}
		if v == nil && def.Type != nil && def.Type.NonNull {
			return nil, fmt.Errorf("variable $%s of type %s cannot be null", name, def.Type.String())
		}
	}
	return out, nil
}

// valueFromAST converts an AST value to a Go value, substituting variables.
// The second result is false when the value is an unbound variable.
func valueFromAST(value *language.Value, variables map[string]any) (any, bool) {
	if value == nil {
		return nil, true
	}
	switch value.Kind {
	case language.Variable:
		v, ok := variables[value.Raw]
		return v, ok
	case language.IntValue:
		if iv, err := strconv.ParseInt(value.Raw, 10, 64); err == nil {
			return iv, true
		}
		fv, _ := strconv.ParseFloat(value.Raw, 64)
		return fv, true
	case language.FloatValue:
		fv, _ := strconv.ParseFloat(value.Raw, 64)
		return fv, true
	case language.StringValue, language.BlockValue, language.EnumValue:
		return value.Raw, true
	case language.BooleanValue:
		return value.Raw == "true", true
	case language.NullValue:
		return nil, true
	case language.ListValue:
		out := make([]any, 0, len(value.Children))
		for _, c := range value.Children {
			v, ok := valueFromAST(c.Value, variables)
			if !ok {
				v = nil
			}
			out = append(out, v)
		}
		return out, true
	case language.ObjectValue:
		out := make(map[string]any, len(value.Children))
		for _, c := range value.Children {
			if v, ok := valueFromAST(c.Value, variables); ok {
				out[c.Name] = v
			}
		}
		return out, true
	default:
		return nil, true
	}
}

func typeFromAST(t *language.Type) *Type {
	if t == nil {
		return nil
	}
	out := &Type{NonNull: t.NonNull}
	if t.Elem != nil {
		out.Elem = typeFromAST(t.Elem)
	} else {
		out.Named = t.NamedType
	}
	return out
}

func getOperation(doc *language.QueryDocument, name string) *language.OperationDefinition {
	if name == "" {
		if len(doc.Operations) == 1 {
			return doc.Operations[0]
		}
		return nil
	}
	return doc.Operations.ForName(name)
}

func getFragmentDefinition(doc *language.QueryDocument, name string) *language.FragmentDefinition {
	if fd := doc.Fragments.ForName(name); fd != nil {
		return fd
	}
	for _, f := range doc.Fragments {
		if f != nil && f.Name == name {
			return f
		}
	}
	return nil
}

func nameOf(def *language.Definition) string {
	if def == nil {
		return ""
	}
	return def.Name
}

func isSubset(sub, super []string) bool {
	for _, s := range sub {
		if !slices.Contains(super, s) {
			return false
		}
	}
	return true
}

func hasConditions(s Set) bool {
	for _, f := range s {
		if f.TypeCondition != "" {
			return true
		}
	}
	return false
}

func hasTypename(s Set) bool {
	for _, f := range s {
		if f.Name == TypenameField && f.TypeCondition == "" {
			return true
		}
	}
	return false
}

// mergeSameResponseName folds unconditional fields that share a response
// name into the first occurrence. Conditional fields stay separate until the
// concrete type is known (see Set.Collect).
func mergeSameResponseName(s Set) Set {
	out := make(Set, 0, len(s))
	index := make(map[string]int, len(s))
	for _, f := range s {
		if f.TypeCondition != "" {
			out = append(out, f)
			continue
		}
		if i, ok := index[f.ResponseName]; ok {
			out[i] = merge(out[i], f)
			continue
		}
		index[f.ResponseName] = len(out)
		out = append(out, f)
	}
	return out
}
