package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandText(t *testing.T) {
	scope := map[string]string{
		"NAME":   "world",
		"BRANCH": "main",
		"EMPTY":  "",
	}

	t.Run("plain", func(t *testing.T) {
		assert.Equal(t, "hello world", ExpandText("hello $NAME", scope))
	})

	t.Run("braced", func(t *testing.T) {
		assert.Equal(t, "hello world!", ExpandText("hello ${NAME}!", scope))
	})

	t.Run("unknown_left_as_is", func(t *testing.T) {
		assert.Equal(t, "hello $MISSING", ExpandText("hello $MISSING", scope))
		assert.Equal(t, "hello ${MISSING}", ExpandText("hello ${MISSING}", scope))
	})

	t.Run("empty_value", func(t *testing.T) {
		assert.Equal(t, "[]", ExpandText("[$EMPTY]", scope))
	})

	t.Run("multiple", func(t *testing.T) {
		assert.Equal(t, "world-main", ExpandText("$NAME-$BRANCH", scope))
	})

	t.Run("no_recursion", func(t *testing.T) {
		s := map[string]string{"A": "$B", "B": "deep"}
		assert.Equal(t, "$B", ExpandText("$A", s))
	})

	t.Run("idempotent", func(t *testing.T) {
		once := ExpandText("v=$NAME b=${BRANCH} m=$MISSING", scope)
		assert.Equal(t, once, ExpandText(once, scope))
	})
}

func TestExpandVariables(t *testing.T) {
	scope := map[string]string{"REF": "main"}
	in := map[string]string{
		"TARGET": "deploy-$REF",
		"PLAIN":  "value",
	}
	out := ExpandVariables(in, scope)
	assert.Equal(t, "deploy-main", out["TARGET"])
	assert.Equal(t, "value", out["PLAIN"])
	// input untouched
	assert.Equal(t, "deploy-$REF", in["TARGET"])
}

func TestCompose(t *testing.T) {
	scope := Compose(
		map[string]string{"A": "1", "B": "1"},
		map[string]string{"B": "2", "C": "2"},
		map[string]string{"C": "3"},
	)
	assert.Equal(t, map[string]string{"A": "1", "B": "2", "C": "3"}, scope)
}
