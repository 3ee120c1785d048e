package schema

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"

	"github.com/aerodb/aerodb/internal/aeroerr"
)

// RLSContext is the evaluation context exposed to a collection's
// row-level-security predicate: the document under test and the
// requesting principal's claims.
type RLSContext struct {
	Document map[string]interface{}
	Claims   map[string]interface{}
}

// RLSEngine compiles and evaluates collection RLS predicates. Adapted
// from bunbase's rules.RulesEngine: the same CEL environment and program
// cache, generalized from Firestore-style request/resource variables to
// AeroDB's document/claims pair.
type RLSEngine struct {
	env      *cel.Env
	prgCache sync.Map // map[string]cel.Program
}

// NewRLSEngine builds an RLSEngine with the document/claims CEL
// environment.
func NewRLSEngine() (*RLSEngine, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("document", decls.NewMapType(decls.String, decls.Dyn)),
			decls.NewVar("claims", decls.NewMapType(decls.String, decls.Dyn)),
		),
	)
	if err != nil {
		return nil, aeroerr.Wrap(aeroerr.CodeSchemaValidationFailed, "failed to build RLS environment", aeroerr.SeverityFatal, err)
	}
	return &RLSEngine{env: env}, nil
}

// Evaluate compiles (if not cached) and runs expression against ctx. An
// empty expression means no predicate was declared and the document is
// always visible/writable; this is the default when a collection's
// descriptor has no RLS field.
func (e *RLSEngine) Evaluate(expression string, ctx *RLSContext) (bool, error) {
	if expression == "" {
		return true, nil
	}

	var prg cel.Program
	if v, ok := e.prgCache.Load(expression); ok {
		prg = v.(cel.Program)
	} else {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return false, aeroerr.New(aeroerr.CodeSchemaRLSDenied, fmt.Sprintf("RLS predicate failed to compile: %s", issues.Err()), aeroerr.SeverityError)
		}
		p, err := e.env.Program(ast)
		if err != nil {
			return false, aeroerr.Wrap(aeroerr.CodeSchemaRLSDenied, "RLS predicate failed to construct", aeroerr.SeverityError, err)
		}
		prg = p
		e.prgCache.Store(expression, prg)
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"document": ctx.Document,
		"claims":   ctx.Claims,
	})
	if err != nil {
		return false, aeroerr.Wrap(aeroerr.CodeSchemaRLSDenied, "RLS predicate evaluation error", aeroerr.SeverityError, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, aeroerr.New(aeroerr.CodeSchemaRLSDenied, "RLS predicate did not evaluate to a boolean", aeroerr.SeverityError)
	}
	return result, nil
}

// Allows evaluates the descriptor's RLS predicate (if any) against doc and
// claims, passing the decoded doc map in as the "document" variable.
func (l *Loader) Allows(collection string, doc map[string]interface{}, claims map[string]interface{}, engine *RLSEngine) (bool, error) {
	d, ok := l.Get(collection)
	if !ok || d.RLS == "" {
		return true, nil
	}
	return engine.Evaluate(d.RLS, &RLSContext{Document: doc, Claims: claims})
}
