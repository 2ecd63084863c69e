// Package language wraps gqlparser: it parses query documents, and when a
// schema is available, loads and validates them so that every field carries
// its definition.
package language

import (
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// ParseQuery parses source without validating it against a schema. Fields of
// the returned document have no Definition.
func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadSchema parses and validates SDL. The GraphQL prelude is included.
func LoadSchema(name, sdl string) (*Schema, error) {
	s, err := gqlparser.LoadSchema(&ast.Source{Name: name, Input: sdl})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LoadQuery parses and validates source against s.
func LoadQuery(s *Schema, source string) (*QueryDocument, error) {
	doc, errs := gqlparser.LoadQuery(s, source)
	if len(errs) > 0 {
		return nil, errs
	}
	return doc, nil
}

// Load validates source against s when s is non-nil and only parses it
// otherwise. Documents holding only fragments are parsed without validation
// since the validator rejects unused fragments; their fields are resolved
// against s when a selection is built from them.
func Load(s *Schema, source string) (*QueryDocument, error) {
	doc, err := ParseQuery(source)
	if err != nil || s == nil || len(doc.Operations) == 0 {
		return doc, err
	}
	return LoadQuery(s, source)
}
