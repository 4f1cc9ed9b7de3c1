package lua

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// Conversion limits. A table already on the current path converts to nil.
// Every table charges its entry count against maxNodes; tables past the
// budget convert to nil.
const (
	maxDepth = 32
	maxNodes = 100_000
)

// toLua converts JSON-shaped Go values to Lua.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, _ := val.Float64()
		return lua.LNumber(f)
	case []any:
		t := L.CreateTable(len(val), 0)
		for _, item := range val {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.RawSetString(k, toLua(L, val[k]))
		}
		return t
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return lua.LString(fmt.Sprint(val))
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return lua.LString(string(b))
		}
		return toLua(L, generic)
	}
}

// fromLua converts a Lua value to JSON-shaped Go values. Functions and
// userdata become nil.
func fromLua(v lua.LValue) any {
	c := converter{path: make(map[*lua.LTable]struct{})}
	return c.value(v, 0)
}

type converter struct {
	path  map[*lua.LTable]struct{}
	nodes int
}

func (c *converter) value(v lua.LValue, depth int) any {
	if c.nodes > maxNodes {
		return nil
	}
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if depth >= maxDepth {
			return nil
		}
		if _, cycle := c.path[val]; cycle {
			return nil
		}
		c.path[val] = struct{}{}
		defer delete(c.path, val)
		return c.table(val, depth+1)
	default:
		return nil
	}
}

func (c *converter) table(t *lua.LTable, depth int) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	c.nodes += count + 1
	if c.nodes > maxNodes {
		return nil
	}

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = c.value(t.RawGetInt(i), depth)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = c.value(v, depth)
	})
	return m
}
