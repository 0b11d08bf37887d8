// Program hig runs a reactive runtime service: a fixed graph of source
// and derived cells, driven by a couple of demonstration transactions,
// the same way the teacher runtime's original main package wired up
// a by-hand dependency graph (a, x, y, z) and transacted against it.
// Real declarations and actions come from an external evaluator/parser
// (out of scope here, see eval.Evaluator); this binary supplies a
// trivial arithmetic evaluator so the graph is runnable standalone.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"hig-runtime/actorsys"
	"hig-runtime/config"
	"hig-runtime/coordinator"
	"hig-runtime/eval"

	"github.com/creachadair/command"
	"github.com/rs/zerolog"
)

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run a demonstration reactive runtime service.",
		Commands: []*command.C{
			{
				Name: "demo",
				Help: "Build the sample a/x/y/z graph and run a couple of transactions against it.",
				Run:  runDemo,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runDemo(env *command.Env) error {
	fs, cfg := config.NewFlagSet("demo")
	if err := fs.Parse(env.Args); err != nil {
		return err
	}
	if cfg.Service == "" {
		cfg.Service = "hig-demo"
	}

	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	router := actorsys.NewLocalRouter()
	evaluator := eval.Func(arith)

	// Dependency graph:
	//   a        (source cell)
	//  / \
	// x   y      (derived cells)
	//  \ /
	//   z        (derived cell)
	decls := []coordinator.Decl{
		{Name: "a", Kind: coordinator.SrcKind, Initial: 0},
		{Name: "x", Kind: coordinator.DrvKind, Expr: exprMulConst{Var: "a", K: 2},
			Inputs: []coordinator.InputRef{{Name: "a", Cell: "a"}}, GlitchFree: true},
		{Name: "y", Kind: coordinator.DrvKind, Expr: exprAffine{Var: "a", M: 3, B: 35},
			Inputs: []coordinator.InputRef{{Name: "a", Cell: "a"}}, GlitchFree: true},
		{Name: "z", Kind: coordinator.DrvKind, Expr: exprCombine{X: "x", Y: "y"},
			Inputs: []coordinator.InputRef{{Name: "x", Cell: "x"}, {Name: "y", Cell: "y"}}, GlitchFree: true},
	}

	svc, err := coordinator.NewService(cfg.Service, router, evaluator, decls, coordinator.Options{
		RetryCap: cfg.RetryCap,
		Logger:   &logger,
	})
	if err != nil {
		return fmt.Errorf("hig: failed to start service: %w", err)
	}

	for _, name := range []string{"a", "x", "y", "z"} {
		name := name
		ch, err := svc.Inspect(name)
		if err != nil {
			return err
		}
		go func() {
			for v := range ch {
				logger.Info().Str("cell", name).Interface("value", v).Msg("new value")
			}
		}()
	}

	if _, err := svc.DoAction([]coordinator.Assignment{
		{Cell: "a", Expr: 2},
	}); err != nil {
		return fmt.Errorf("hig: transaction failed: %w", err)
	}

	if _, err := svc.DoAction([]coordinator.Assignment{
		{Cell: "a", Expr: 55},
	}); err != nil {
		return fmt.Errorf("hig: transaction failed: %w", err)
	}

	fmt.Fprintln(os.Stderr, "press enter to exit")
	bufio.NewReader(os.Stdin).ReadString('\n')
	return nil
}

// exprMulConst, exprAffine and exprCombine are the only expression
// shapes arith understands; a real deployment's Expr values come from
// the external parser instead of this fixed set.
type exprMulConst struct {
	Var string
	K   int
}

type exprAffine struct {
	Var  string
	M, B int
}

type exprCombine struct {
	X, Y string
}

func arith(expr eval.Expr, env eval.Env) (eval.Expr, error) {
	switch e := expr.(type) {
	case int:
		return e, nil
	case exprMulConst:
		v, ok := env[e.Var].(int)
		if !ok {
			return nil, eval.NewError(eval.KindUnboundVariable, eval.ErrUnboundVariable)
		}
		return v * e.K, nil
	case exprAffine:
		v, ok := env[e.Var].(int)
		if !ok {
			return nil, eval.NewError(eval.KindUnboundVariable, eval.ErrUnboundVariable)
		}
		return v*e.M + e.B, nil
	case exprCombine:
		x, ok1 := env[e.X].(int)
		y, ok2 := env[e.Y].(int)
		if !ok1 || !ok2 {
			return nil, eval.NewError(eval.KindUnboundVariable, eval.ErrUnboundVariable)
		}
		return x + y*4, nil
	default:
		return nil, eval.NewError(eval.KindTypeMismatch, fmt.Errorf("arith: unsupported expr %T", expr))
	}
}
