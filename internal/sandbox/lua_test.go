package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLuaPrintAndResult(t *testing.T) {
	e := startExecutor(t, "lua")

	assert.Equal(t, "a\t1", run(t, e, "print('a', 1)").Output)
	assert.Equal(t, "7", run(t, e, "3 + 4").Output)
}

func TestLuaStatePersists(t *testing.T) {
	e := startExecutor(t, "lua")

	run(t, e, "function square(n) return n * n end\ncount = 3")
	assert.Equal(t, "9", run(t, e, "square(count)").Output)
}

func TestLuaRuntimeError(t *testing.T) {
	e := startExecutor(t, "lua")

	out := run(t, e, "print('before')\nerror('boom')")
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, "before", out.Output)
	assert.Contains(t, out.Error, "boom")
}

func TestLuaLoadersRemoved(t *testing.T) {
	e := startExecutor(t, "lua")

	assert.Equal(t, "nil\tnil\tnil", run(t, e, "print(dofile, loadfile, io)").Output)
}

func TestLuaTimeoutKeepsSession(t *testing.T) {
	e := startExecutor(t, "lua")
	run(t, e, "marker = 'alive'")

	out, err := e.Execute(context.Background(), "while true do end", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, out.Kind)

	assert.Equal(t, "alive", run(t, e, "print(marker)").Output)
}
