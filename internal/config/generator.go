package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Generator writes Config values back out as rombox.lua.
type Generator struct {
	indent string
	now    func() time.Time
}

// NewGenerator creates a new Lua config generator.
func NewGenerator() *Generator {
	return &Generator{indent: "  ", now: time.Now}
}

// Generate renders cfg as a settings file that parses back to the same
// values.
func (g *Generator) Generate(cfg *Config) (string, error) {
	if cfg == nil {
		return "", errors.New("nil config")
	}
	var buf bytes.Buffer

	buf.WriteString("-- rombox settings\n")
	buf.WriteString("-- Generated: " + g.now().UTC().Format(time.RFC3339) + "\n")
	buf.WriteString("--\n")
	buf.WriteString("-- The read-only platform table describes this machine, for example:\n")
	buf.WriteString("--   root = platform.is_steamos and \"/run/media/deck/sd/Games\"\n")
	buf.WriteString("--       or platform.join(platform.home, \"Games\"),\n")
	buf.WriteString("-- Credentials do not belong here; use \"rombox login\".\n\n")

	buf.WriteString(luaGlobalRombox + " = {\n")

	g.open(&buf, luaSectionServer)
	if cfg.Server.URL != "" {
		g.str(&buf, luaFieldURL, cfg.Server.URL)
	} else {
		g.line(&buf, 2, `-- url = "https://romm.example.com",`)
	}
	g.num(&buf, luaFieldTimeoutSeconds, int64(cfg.Server.TimeoutSeconds))
	g.close(&buf)

	g.open(&buf, luaSectionLog)
	g.str(&buf, luaFieldLevel, cfg.Log.Level)
	g.str(&buf, luaFieldFormat, cfg.Log.Format)
	g.close(&buf)

	g.open(&buf, luaSectionLibrary)
	g.str(&buf, luaFieldRoot, cfg.Library.Root)
	g.str(&buf, luaFieldScratch, cfg.Library.Scratch)
	g.boolean(&buf, luaFieldRetainArchives, cfg.Library.RetainArchives)
	g.str(&buf, luaFieldArchiveDir, cfg.Library.ArchiveDir)
	g.boolean(&buf, luaFieldKeepFailed, cfg.Library.KeepFailed)
	g.boolean(&buf, luaFieldKeepScratch, cfg.Library.KeepScratch)
	g.close(&buf)

	g.open(&buf, luaSectionStore)
	g.str(&buf, luaFieldBackend, cfg.Store.Backend)
	g.str(&buf, luaFieldPath, cfg.Store.Path)
	g.close(&buf)

	g.open(&buf, luaSectionCredentials)
	g.str(&buf, luaFieldDir, cfg.Credentials.Dir)
	g.close(&buf)

	g.open(&buf, luaSectionDownload)
	g.num(&buf, luaFieldIdleTimeout, int64(cfg.Download.IdleTimeoutSeconds))
	g.num(&buf, luaFieldTotalTimeout, int64(cfg.Download.TotalTimeoutSeconds))
	g.num(&buf, luaFieldRetries, int64(cfg.Download.Retries))
	g.num(&buf, luaFieldHashWorkers, int64(cfg.Download.HashWorkers))
	g.num(&buf, luaFieldMaxExtractMB, cfg.Download.MaxExtractMB)
	g.boolean(&buf, luaFieldAllowUnverified, cfg.Download.AllowUnverified)
	g.close(&buf)

	g.open(&buf, luaSectionReconcile)
	g.num(&buf, luaFieldWorkers, int64(cfg.Reconcile.Workers))
	g.close(&buf)

	g.open(&buf, luaSectionPlatforms)
	if len(cfg.Platforms) == 0 {
		g.line(&buf, 2, `-- ["19"] = "Super Nintendo Entertainment System",`)
	}
	for _, id := range sortedPlatformIDs(cfg.Platforms) {
		g.line(&buf, 2, "["+g.quoteLuaString(id)+"] = "+g.quoteLuaString(cfg.Platforms[id])+",")
	}
	g.close(&buf)

	buf.WriteString("}\n")
	return buf.String(), nil
}

// WriteFile writes content to path with mode 0644, creating parent
// directories. An existing file is only replaced when force is set.
func WriteFile(path, content string, force bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("settings file %s already exists: %w", path, os.ErrExist)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// sortedPlatformIDs orders numeric ids numerically, before any others.
func sortedPlatformIDs(m PlatformMap) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (g *Generator) line(buf *bytes.Buffer, depth int, s string) {
	buf.WriteString(strings.Repeat(g.indent, depth))
	buf.WriteString(s)
	buf.WriteString("\n")
}

func (g *Generator) open(buf *bytes.Buffer, name string) {
	g.line(buf, 1, name+" = {")
}

func (g *Generator) close(buf *bytes.Buffer) {
	g.line(buf, 1, "},")
}

func (g *Generator) str(buf *bytes.Buffer, key, value string) {
	g.line(buf, 2, key+" = "+g.quoteLuaString(value)+",")
}

func (g *Generator) num(buf *bytes.Buffer, key string, value int64) {
	g.line(buf, 2, key+" = "+strconv.FormatInt(value, 10)+",")
}

func (g *Generator) boolean(buf *bytes.Buffer, key string, value bool) {
	g.line(buf, 2, key+" = "+strconv.FormatBool(value)+",")
}

// quoteLuaString quotes a string for Lua, handling special characters.
func (g *Generator) quoteLuaString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\") // Escape backslashes first
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return "\"" + s + "\""
}
