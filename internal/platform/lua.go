package platform

import (
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
)

// InjectPlatformTable sets the read-only global "platform" describing info.
// Call it before running the settings file.
func InjectPlatformTable(L *lua.LState, info *Info) error {
	t := L.NewTable()

	L.SetField(t, "os", lua.LString(info.OS))
	L.SetField(t, "arch", lua.LString(info.Arch))
	L.SetField(t, "arch_raw", lua.LString(info.ArchRaw))
	L.SetField(t, "is_linux", lua.LBool(info.IsLinux()))
	L.SetField(t, "is_macos", lua.LBool(info.IsMacOS()))
	L.SetField(t, "is_windows", lua.LBool(info.IsWindows()))
	L.SetField(t, "is_steamos", lua.LBool(info.IsSteamOS()))
	L.SetField(t, "sep", lua.LString(string(filepath.Separator)))

	if info.Home != "" {
		L.SetField(t, "home", lua.LString(info.Home))
	}
	if info.IsLinux() && info.Distro != "" {
		distro := L.NewTable()
		L.SetField(distro, "id", lua.LString(info.Distro))
		L.SetField(distro, "family", lua.LString(info.Family))
		L.SetField(distro, "version", lua.LString(info.Version))
		L.SetField(t, "distro", distro)
		L.SetField(t, "linux_family", lua.LString(info.Family))
	}

	// when(cond, value) returns value if cond holds, nil otherwise.
	L.SetField(t, "when", L.NewFunction(func(L *lua.LState) int {
		if L.CheckBool(1) {
			L.Push(L.Get(2))
		} else {
			L.Push(lua.LNil)
		}
		return 1
	}))

	// join(...) joins path elements with the host separator.
	L.SetField(t, "join", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		elems := make([]string, 0, n)
		for i := 1; i <= n; i++ {
			elems = append(elems, L.CheckString(i))
		}
		L.Push(lua.LString(filepath.Join(elems...)))
		return 1
	}))

	L.SetGlobal("platform", makeReadOnly(L, t))
	return nil
}

// makeReadOnly returns an empty proxy whose metatable forwards reads to
// table and rejects every write.
func makeReadOnly(L *lua.LState, table *lua.LTable) *lua.LTable {
	mt := L.NewTable()
	L.SetField(mt, "__index", table)
	L.SetField(mt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("platform table is read-only and cannot be modified")
		return 0
	}))
	L.SetField(mt, "__metatable", lua.LString("protected"))

	proxy := L.NewTable()
	L.SetMetatable(proxy, mt)
	return proxy
}
