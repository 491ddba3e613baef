package sandbox

import (
	"context"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// starlarkOptions enables the Python-like features model code tends to use.
var starlarkOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// starlarkInterp executes cells REPL-style against one mutable global
// environment, so names bound by earlier cells stay visible and rebindable.
type starlarkInterp struct {
	globals starlark.StringDict
}

// NewStarlarkKernel returns a kernel running Starlark, a Python dialect.
func NewStarlarkKernel() Kernel {
	return newSession(&starlarkInterp{})
}

func (i *starlarkInterp) open() error {
	i.globals = starlark.StringDict{
		"json": starjson.Module,
		"math": starmath.Module,
	}
	return nil
}

func (i *starlarkInterp) exec(ctx context.Context, code string, emit func(FragmentKind, string)) error {
	thread := &starlark.Thread{
		Name: "cell",
		Print: func(_ *starlark.Thread, msg string) {
			emit(FragmentStream, msg+"\n")
		},
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel("execution interrupted")
	})
	defer stop()

	f, err := starlarkOptions.Parse("<cell>", code, 0)
	if err != nil {
		return err
	}

	// A trailing expression is evaluated separately so its value can be
	// reported, as an interactive prompt would.
	var last syntax.Expr
	if n := len(f.Stmts); n > 0 {
		if stmt, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			last = stmt.X
			f.Stmts = f.Stmts[:n-1]
		}
	}

	if len(f.Stmts) > 0 {
		if err := starlark.ExecREPLChunk(f, thread, i.globals); err != nil {
			return err
		}
	}
	if last == nil {
		return nil
	}

	v, err := starlark.EvalExprOptions(starlarkOptions, thread, last, i.globals)
	if err != nil {
		return err
	}
	if v != starlark.None {
		emit(FragmentResult, v.String())
	}
	return nil
}

func (i *starlarkInterp) close() {
	i.globals = nil
}
