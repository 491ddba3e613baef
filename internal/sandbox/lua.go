package sandbox

import (
	"context"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

type luaInterp struct {
	L    *lua.LState
	emit func(FragmentKind, string)
}

// NewLuaKernel returns a kernel running Lua 5.1 with file and loader access
// removed.
func NewLuaKernel() Kernel {
	return newSession(&luaInterp{})
}

func (i *luaInterp) open() error {
	i.L = lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	i.openSafeLibs()
	i.L.SetGlobal("print", i.L.NewFunction(i.luaPrint))
	return nil
}

// openSafeLibs loads the base, table, string and math libraries only.
func (i *luaInterp) openSafeLibs() {
	L := i.L
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (i *luaInterp) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for idx := 1; idx <= n; idx++ {
		parts = append(parts, L.ToStringMeta(L.Get(idx)).String())
	}
	if i.emit != nil {
		i.emit(FragmentStream, strings.Join(parts, "\t")+"\n")
	}
	return 0
}

func (i *luaInterp) exec(ctx context.Context, code string, emit func(FragmentKind, string)) error {
	L := i.L
	i.emit = emit
	defer func() { i.emit = nil }()

	L.SetContext(ctx)
	defer L.RemoveContext()

	// Expressions are compiled as return statements so their values can be
	// reported; anything else runs as a chunk.
	fn, err := L.LoadString("return " + code)
	if err != nil {
		fn, err = L.LoadString(code)
		if err != nil {
			return err
		}
	}

	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.SetTop(top)
		return err
	}

	n := L.GetTop() - top
	values := make([]string, 0, n)
	for idx := top + 1; idx <= top+n; idx++ {
		values = append(values, L.ToStringMeta(L.Get(idx)).String())
	}
	L.SetTop(top)

	if n > 0 && !(n == 1 && values[0] == "nil") {
		emit(FragmentResult, strings.Join(values, "\t"))
	}
	return nil
}

func (i *luaInterp) close() {
	if i.L != nil {
		i.L.Close()
		i.L = nil
	}
}
