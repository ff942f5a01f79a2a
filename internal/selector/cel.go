package selector

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"golang.org/x/sync/singleflight"
)

var (
	envOnce sync.Once
	celEnv  *cel.Env
	envErr  error

	programs sync.Map // expression -> cel.Program
	compiles singleflight.Group
)

func environment() (*cel.Env, error) {
	envOnce.Do(func() {
		celEnv, envErr = cel.NewEnv(
			cel.Variable(string(KindResource), cel.DynType),
			cel.Variable(string(KindEnvironment), cel.DynType),
			cel.Variable(string(KindDeployment), cel.DynType),
			cel.Variable(string(KindVersion), cel.DynType),
		)
	})
	return celEnv, envErr
}

// compile returns a cached program for expr. Concurrent first uses of the
// same expression compile once.
func compile(expr string) (cel.Program, error) {
	if p, ok := programs.Load(expr); ok {
		return p.(cel.Program), nil
	}
	v, err, _ := compiles.Do(expr, func() (any, error) {
		if p, ok := programs.Load(expr); ok {
			return p, nil
		}
		env, err := environment()
		if err != nil {
			return nil, fmt.Errorf("cel environment: %w", err)
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile cel expression %q: %w", expr, issues.Err())
		}
		if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
			return nil, fmt.Errorf("cel expression %q must return bool, got %s", expr, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("build cel program %q: %w", expr, err)
		}
		programs.Store(expr, prg)
		return prg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cel.Program), nil
}

func evaluateCEL(c CEL, subject Subject) (bool, error) {
	prg, err := compile(c.Expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{string(subject.Kind): subject.celValue()})
	if err != nil {
		return false, fmt.Errorf("evaluate cel expression %q: %w", c.Expression, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression %q returned %T, expected bool", c.Expression, out.Value())
	}
	return b, nil
}
