package cachekey

import (
	"fmt"
	"strconv"

	celgo "github.com/google/cel-go/cel"
	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	record "github.com/hanpama/normcache/internal/record"
	selection "github.com/hanpama/normcache/internal/selection"
)

// Engine names an expression language.
type Engine string

const (
	EngineCEL  Engine = "cel"
	EngineExpr Engine = "expr"
)

// ExprConfig configures an expression-backed Resolver.
//
// Both expressions see the variables
//
//	typename  string          "__typename" of the object (RecordSet) or the declared type of the field (Arguments)
//	field     string          the field name
//	fields    map[string]any  normalized fields of the object, keyed by field key (RecordSet only)
//	args      map[string]any  resolved field arguments
//
// and must produce a string. An empty string, null, or an evaluation error
// yields NoKey. Integer results are formatted in base 10.
type ExprConfig struct {
	Engine    Engine
	RecordSet string
	Arguments string
}

type program interface {
	eval(vars map[string]any) (any, error)
}

type exprResolver struct {
	recordSet program
	arguments program
}

// NewExpr compiles cfg into a Resolver. Compilation errors are returned here;
// the resulting Resolver never fails.
func NewExpr(cfg ExprConfig) (Resolver, error) {
	var compile func(string) (program, error)
	switch cfg.Engine {
	case EngineCEL, "":
		env, err := newCELEnv()
		if err != nil {
			return nil, err
		}
		compile = func(src string) (program, error) { return compileCEL(env, src) }
	case EngineExpr:
		compile = compileExpr
	default:
		return nil, fmt.Errorf("unknown expression engine %q", cfg.Engine)
	}
	r := &exprResolver{}
	if cfg.RecordSet != "" {
		p, err := compile(cfg.RecordSet)
		if err != nil {
			return nil, fmt.Errorf("record set expression: %w", err)
		}
		r.recordSet = p
	}
	if cfg.Arguments != "" {
		p, err := compile(cfg.Arguments)
		if err != nil {
			return nil, fmt.Errorf("arguments expression: %w", err)
		}
		r.arguments = p
	}
	return r, nil
}

func (r *exprResolver) FromFieldRecordSet(field *selection.Field, fields record.Object) Key {
	if r.recordSet == nil {
		return NoKey
	}
	typename, _ := fields.String(selection.TypenameField)
	plain, _ := record.ToAny(fields).(map[string]any)
	return run(r.recordSet, map[string]any{
		"typename": typename,
		"field":    field.Name,
		"fields":   plain,
		"args":     argsOf(field),
	})
}

func (r *exprResolver) FromFieldArguments(field *selection.Field) Key {
	if r.arguments == nil {
		return NoKey
	}
	return run(r.arguments, map[string]any{
		"typename": field.Type.NamedType(),
		"field":    field.Name,
		"fields":   map[string]any{},
		"args":     argsOf(field),
	})
}

func argsOf(field *selection.Field) map[string]any {
	if field.Arguments == nil {
		return map[string]any{}
	}
	return field.Arguments
}

func run(p program, vars map[string]any) Key {
	out, err := p.eval(vars)
	if err != nil {
		return NoKey
	}
	switch v := out.(type) {
	case string:
		return Key(v)
	case int:
		return Key(strconv.Itoa(v))
	case int64:
		return Key(strconv.FormatInt(v, 10))
	default:
		return NoKey
	}
}

type celProgram struct {
	program celgo.Program
}

func newCELEnv() (*celgo.Env, error) {
	return celgo.NewEnv(
		celgo.Variable("typename", celgo.StringType),
		celgo.Variable("field", celgo.StringType),
		celgo.Variable("fields", celgo.MapType(celgo.StringType, celgo.DynType)),
		celgo.Variable("args", celgo.MapType(celgo.StringType, celgo.DynType)),
	)
}

func compileCEL(env *celgo.Env, src string) (program, error) {
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &celProgram{program: prg}, nil
}

func (p *celProgram) eval(vars map[string]any) (any, error) {
	out, _, err := p.program.Eval(vars)
	if err != nil {
		return nil, err
	}
	return out.Value(), nil
}

type exprProgram struct {
	program *exprvm.Program
}

func compileExpr(src string) (program, error) {
	env := map[string]any{
		"typename": "",
		"field":    "",
		"fields":   map[string]any{},
		"args":     map[string]any{},
	}
	prg, err := exprlang.Compile(src, exprlang.Env(env))
	if err != nil {
		return nil, err
	}
	return &exprProgram{program: prg}, nil
}

func (p *exprProgram) eval(vars map[string]any) (any, error) {
	return exprlang.Run(p.program, vars)
}
