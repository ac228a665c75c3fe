package config

import (
	lua "github.com/yuin/gopher-lua"
)

// removedGlobals are unset before any settings code runs. Beyond process,
// filesystem and code loading access this covers the raw table and
// metatable functions, which could otherwise write through the read-only
// platform proxy.
var removedGlobals = []string{
	"os", "io", "debug", "package",
	"require", "module", "dofile", "loadfile", "load", "loadstring",
	"rawset", "rawget", "rawequal", "setmetatable", "getmetatable",
	"setfenv", "getfenv", "collectgarbage", "newproxy",
}

// sandboxLuaVM strips the globals in removedGlobals. string, table, math
// and the basic iteration and conversion functions stay available.
func sandboxLuaVM(L *lua.LState) {
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
}

// newSandboxedVM creates the Lua state settings files run in.
func newSandboxedVM() *lua.LState {
	L := lua.NewState(lua.Options{
		CallStackSize: 256,
		RegistrySize:  8 * 1024,
	})
	sandboxLuaVM(L)
	return L
}
