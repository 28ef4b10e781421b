package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/genii/internal/errors"
)

func TestRunner_Builtins(t *testing.T) {
	r := New(nil)
	out, err := r.Run(context.Background(), `
greeting="hello $title"
for w in a b; do
  printf '%s-' "$w"
done
echo "$greeting"
`, map[string]any{"title": "notes", "bad-key": "x", "obj": map[string]int{}})
	require.NoError(t, err)
	assert.Equal(t, "a-b-hello notes", out)
}

func TestRunner_RefusesCommands(t *testing.T) {
	r := New(nil)
	_, err := r.Run(context.Background(), `ls /`, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTemplate))
	assert.Contains(t, err.Error(), "command execution is disabled")
}

func TestRunner_RefusesFiles(t *testing.T) {
	r := New(nil)
	_, err := r.Run(context.Background(), `echo secret > /tmp/genii-script-test`, nil)
	require.Error(t, err)

	out, err := r.Run(context.Background(), `echo quiet > /dev/null; echo loud`, nil)
	require.NoError(t, err)
	assert.Equal(t, "loud", out)
}

func TestRunner_SyntaxError(t *testing.T) {
	r := New(nil)
	_, err := r.Run(context.Background(), `if then fi (`, nil)
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, errors.CodeTemplateSyntax, appErr.Code)
}

func TestEnviron(t *testing.T) {
	env := environ(map[string]any{
		"b":     2,
		"a":     "x",
		"list":  []string{"1", "2"},
		"9bad":  "no",
		"other": struct{}{},
	})
	assert.Equal(t, []string{"a=x", "b=2", "list=1\n2"}, env)
}
