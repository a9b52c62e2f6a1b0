package sim

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// errorCodeRuntime is reported by errorqueue.next() for every queued error.
const errorCodeRuntime = -285

// registerBuiltins installs the node globals: print, waitcomplete, localnode,
// script and errorqueue.
func registerBuiltins(L *lua.LState, n *Node) {
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		return nodePrint(L, n)
	}))
	L.SetGlobal("waitcomplete", L.NewFunction(func(L *lua.LState) int {
		return 0
	}))

	localnode := L.NewTable()
	localnode.RawSetString("serialno", lua.LString(n.opts.SerialNumber))
	localnode.RawSetString("model", lua.LString(n.opts.Model))
	L.SetGlobal("localnode", localnode)

	registerScriptModule(L, n)
	registerErrorQueue(L, n)
}

// print(...) queues one reply line, tab separated like stock Lua.
func nodePrint(L *lua.LState, n *Node) int {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	n.replies = append(n.replies, strings.Join(parts, "\t"))
	return 0
}

func registerScriptModule(L *lua.LState, n *Node) {
	mod := L.NewTable()
	user := L.NewTable()
	n.userScripts = L.NewTable()
	user.RawSetString("scripts", n.userScripts)
	mod.RawSetString("user", user)

	// script.delete(name)
	mod.RawSetString("delete", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		L.SetGlobal(name, lua.LNil)
		n.userScripts.RawSetString(name, lua.LNil)
		delete(n.saved, name)
		n.logger.Debug("script deleted", "name", name)
		return 0
	}))

	L.SetGlobal("script", mod)
}

func registerErrorQueue(L *lua.LState, n *Node) {
	eq := L.NewTable()

	// errorqueue.next() returns code, message
	eq.RawSetString("next", L.NewFunction(func(L *lua.LState) int {
		if len(n.errs) == 0 {
			L.Push(lua.LNumber(0))
			L.Push(lua.LString("Queue Is Empty"))
			return 2
		}
		msg := n.errs[0]
		n.errs = n.errs[1:]
		L.Push(lua.LNumber(errorCodeRuntime))
		L.Push(lua.LString(msg))
		return 2
	}))
	eq.RawSetString("clear", L.NewFunction(func(L *lua.LState) int {
		n.errs = nil
		return 0
	}))

	// errorqueue.count is computed on access.
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		if L.CheckString(2) == "count" {
			L.Push(lua.LNumber(len(n.errs)))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}))
	L.SetMetatable(eq, mt)
	L.SetGlobal("errorqueue", eq)
}

// defineScript compiles source and binds a script object to the global name.
// The object exposes run() and save() and can be called directly.
func (n *Node) defineScript(name, source string) error {
	L := n.L
	fn, err := L.LoadString(source)
	if err != nil {
		return fmt.Errorf("load script %s: %w", name, err)
	}

	run := func(L *lua.LState) int {
		L.Push(fn)
		L.Call(0, 0)
		return 0
	}

	obj := L.NewTable()
	obj.RawSetString("name", lua.LString(name))
	obj.RawSetString("source", lua.LString(source))
	obj.RawSetString("run", L.NewFunction(run))
	obj.RawSetString("save", L.NewFunction(func(L *lua.LState) int {
		n.saved[name] = source
		n.markSaved(name)
		n.logger.Debug("script saved", "name", name)
		return 0
	}))

	mt := L.NewTable()
	mt.RawSetString("__call", L.NewFunction(run))
	L.SetMetatable(obj, mt)

	L.SetGlobal(name, obj)
	n.logger.Debug("script defined", "name", name, "bytes", len(source))
	return nil
}

func (n *Node) markSaved(name string) {
	n.userScripts.RawSetString(name, n.L.GetGlobal(name))
}
