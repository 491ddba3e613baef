package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractNoFence(t *testing.T) {
	e := ForLanguage("starlark")

	code, found, residual := e.Extract("  The answer is 42.\n\n")
	assert.False(t, found)
	assert.Empty(t, code)
	assert.Equal(t, "The answer is 42.", residual)
}

func TestExtractSingleBlockVerbatim(t *testing.T) {
	e := ForLanguage("starlark")
	body := "def fib(n):\n    a, b = 0, 1\n    for _ in range(n):\n        a, b = b, a + b\n    return a\n\nprint(fib(10))"
	text := "Here is the code:\n\n```python\n" + body + "\n```\n\nIt prints 55."

	code, found, residual := e.Extract(text)
	assert.True(t, found)
	assert.Equal(t, body, code)
	assert.Equal(t, "Here is the code:\n\n\n\nIt prints 55.", residual)
	assert.NotContains(t, residual, "```")
}

func TestExtractAllBlocksWithSeparator(t *testing.T) {
	e := ForLanguage("starlark")
	text := "First:\n```python\nx = 1\n```\nThen:\n```py\nprint(x)\n```\nDone."

	code, found, residual := e.Extract(text)
	assert.True(t, found)
	assert.Equal(t, "x = 1\n\n# ----- New Code Block -----\n\nprint(x)", code)
	assert.Equal(t, "First:\n\nThen:\n\nDone.", residual)
}

func TestExtractIgnoresOtherLanguages(t *testing.T) {
	e := ForLanguage("lua")
	text := "```python\nprint(1)\n```\n```lua\nprint(2)\n```"

	code, found, residual := e.Extract(text)
	assert.True(t, found)
	assert.Equal(t, "print(2)", code)
	assert.Equal(t, "```python\nprint(1)\n```", residual)
}

func TestExtractLuaSeparator(t *testing.T) {
	e := ForLanguage("lua")
	code, _, _ := e.Extract("```lua\na = 1\n```\n```lua\nprint(a)\n```")
	assert.Equal(t, "a = 1\n\n-- ----- New Code Block -----\n\nprint(a)", code)
}

func TestExtractUnterminatedFence(t *testing.T) {
	e := ForLanguage("starlark")
	text := "Try this:\n```python\nprint('never closed')\n"

	code, found, residual := e.Extract(text)
	assert.False(t, found)
	assert.Empty(t, code)
	assert.Equal(t, "Try this:\n```python\nprint('never closed')", residual)
}

func TestExtractUntaggedFenceIsNotCode(t *testing.T) {
	e := ForLanguage("starlark")
	_, found, _ := e.Extract("```\nplain output\n```")
	assert.False(t, found)
}

func TestExtractCRLFAndCase(t *testing.T) {
	e := ForLanguage("starlark")
	code, found, _ := e.Extract("```Python\r\nprint('hi')\r\n```")
	assert.True(t, found)
	assert.Equal(t, "print('hi')", code)
}
