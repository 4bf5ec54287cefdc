package main

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric"
)

func testREPL(t *testing.T) *REPL {
	node, err := fabric.Open(context.Background(), fabric.Options{})
	require.NoError(t, err)
	repl := &REPL{node: node, ctx: context.Background()}
	t.Cleanup(func() { _ = repl.Close() })
	return repl
}

func TestShellSession(t *testing.T) {
	repl := testREPL(t)
	exec := func(line string) string {
		out, err := repl.Exec(strings.Fields(line))
		require.NoError(t, err, line)
		return out
	}

	exec("class Item title:string count:long")
	assert.Equal(t, "Item title:string count:long", exec("classes"))

	id := exec("new Item title=apple count=3")
	local := id[strings.Index(id, "/"):]
	exec("set " + local + " count=4")
	assert.Equal(t, `title="apple"`+"\ncount=4", exec("get "+id))
	assert.Equal(t, "count=4", exec("get "+local+" count"))
	assert.Contains(t, exec("ls"), id)
	assert.Contains(t, exec("dump "+id), "apple")

	assert.Equal(t, "none", exec("root"))
	exec("root " + id)
	assert.Equal(t, id, exec("root"))
	exec("flush")

	_, err := repl.Exec([]string{"new", "Nothing"})
	assert.ErrorIs(t, err, ErrNoSuchName)
	_, err = repl.Exec([]string{"get", "/ff"})
	assert.ErrorIs(t, err, fabric.ErrObjectUnknown)
	_, err = repl.Exec([]string{"bogus"})
	assert.Error(t, err)
}
