package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/ZebulonRouseFrantzich/rombox/internal/logging"
	"github.com/ZebulonRouseFrantzich/rombox/internal/platform"
)

// Parser evaluates settings files. It is safe for concurrent use; every
// parse gets its own VM.
type Parser struct {
	detector platform.Detector
	logger   logging.Logger
}

// NewParser creates a parser. A nil detector skips the platform table.
func NewParser(detector platform.Detector) *Parser {
	return &Parser{detector: detector, logger: logging.Nop()}
}

// WithLogger returns a copy of p that logs to l.
func (p *Parser) WithLogger(l logging.Logger) *Parser {
	cp := *p
	cp.logger = logging.OrNop(l)
	return &cp
}

// Load parses the settings file at path. A missing file yields Default.
func (p *Parser) Load(ctx context.Context, path string) (*Config, error) {
	cfg, err := p.ParseFile(ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		p.logger.Debug("no settings file, using defaults", "path", path)
		return Default(), nil
	}
	return cfg, err
}

// ParseFile reads and parses the settings file at path.
func (p *Parser) ParseFile(ctx context.Context, path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if info.Size() > MaxConfigSize {
		return nil, &ParseError{
			Message: "settings file too large",
			Detail:  fmt.Sprintf("%s is %d bytes, maximum is %d", path, info.Size(), MaxConfigSize),
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	content := string(data)
	for _, f := range ScanSecrets(content) {
		p.logger.Warn("settings file may contain a secret", "path", path, "line", f.Line, "kind", string(f.Kind))
	}

	cfg, err := p.ParseString(ctx, content)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("loaded settings", "path", path, "platforms", len(cfg.Platforms))
	return cfg, nil
}

// ParseString evaluates luaCode and returns the resulting settings. Without
// a context deadline a default one applies.
func (p *Parser) ParseString(ctx context.Context, luaCode string) (*Config, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultParseTimeout)
		defer cancel()
	}

	L := newSandboxedVM()
	defer L.Close()

	home := ""
	if p.detector != nil {
		info, err := p.detector.Detect(ctx)
		if err != nil {
			return nil, fmt.Errorf("platform detection failed: %w", err)
		}
		if err := platform.InjectPlatformTable(L, info); err != nil {
			return nil, fmt.Errorf("inject platform table: %w", err)
		}
		home = info.Home
	}
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	L.SetContext(ctx)
	if err := L.DoString(luaCode); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &ParseError{Message: "settings evaluation did not finish", Detail: err.Error(), Err: ctxErr}
		}
		return nil, &ParseError{Message: "Lua syntax error", Detail: err.Error()}
	}

	cfg, err := extractConfig(L, home)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ParseError{Message: "config validation failed", Detail: err.Error(), Err: err}
	}
	return cfg, nil
}

// ParseError represents a config parsing error with friendly message.
type ParseError struct {
	Message string // User-friendly message
	Detail  string // Technical details (raw Lua error)
	Err     error  // underlying *ValidationError or context error, if any
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Err }

// extractConfig reads the global rombox table over Default.
func extractConfig(L *lua.LState, home string) (*Config, error) {
	root, ok := L.GetGlobal(luaGlobalRombox).(*lua.LTable)
	if !ok {
		return nil, &ParseError{
			Message: "missing or invalid 'rombox' table",
			Detail:  fmt.Sprintf("expected table, got %s", L.GetGlobal(luaGlobalRombox).Type()),
		}
	}

	cfg := Default()
	r := &reader{root: root}

	s := r.section(luaSectionServer)
	s.str(luaFieldURL, &cfg.Server.URL)
	s.integer(luaFieldTimeoutSeconds, &cfg.Server.TimeoutSeconds)

	s = r.section(luaSectionLog)
	s.str(luaFieldLevel, &cfg.Log.Level)
	s.str(luaFieldFormat, &cfg.Log.Format)

	s = r.section(luaSectionLibrary)
	s.str(luaFieldRoot, &cfg.Library.Root)
	s.str(luaFieldScratch, &cfg.Library.Scratch)
	s.boolean(luaFieldRetainArchives, &cfg.Library.RetainArchives)
	s.str(luaFieldArchiveDir, &cfg.Library.ArchiveDir)
	s.boolean(luaFieldKeepFailed, &cfg.Library.KeepFailed)
	s.boolean(luaFieldKeepScratch, &cfg.Library.KeepScratch)

	s = r.section(luaSectionStore)
	s.str(luaFieldBackend, &cfg.Store.Backend)
	s.str(luaFieldPath, &cfg.Store.Path)

	s = r.section(luaSectionCredentials)
	s.str(luaFieldDir, &cfg.Credentials.Dir)

	s = r.section(luaSectionDownload)
	s.integer(luaFieldIdleTimeout, &cfg.Download.IdleTimeoutSeconds)
	s.integer(luaFieldTotalTimeout, &cfg.Download.TotalTimeoutSeconds)
	s.integer(luaFieldRetries, &cfg.Download.Retries)
	s.integer(luaFieldHashWorkers, &cfg.Download.HashWorkers)
	var maxMB int
	if s.integer(luaFieldMaxExtractMB, &maxMB) {
		cfg.Download.MaxExtractMB = int64(maxMB)
	}
	s.boolean(luaFieldAllowUnverified, &cfg.Download.AllowUnverified)

	s = r.section(luaSectionReconcile)
	s.integer(luaFieldWorkers, &cfg.Reconcile.Workers)

	r.platforms(cfg.Platforms)

	if r.err != nil {
		return nil, &ParseError{Message: "config validation failed", Detail: r.err.Error(), Err: r.err}
	}

	for _, p := range []*string{
		&cfg.Library.Root, &cfg.Library.Scratch, &cfg.Library.ArchiveDir,
		&cfg.Store.Path, &cfg.Credentials.Dir,
	} {
		*p = expandHome(*p, home)
	}
	cfg.Server.URL = strings.TrimSpace(cfg.Server.URL)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)
	return cfg, nil
}

// reader extracts typed fields and keeps the first type error.
type reader struct {
	root *lua.LTable
	err  error
}

type section struct {
	r    *reader
	name string
	t    *lua.LTable // nil when the section is absent
}

func (r *reader) fail(field, msg string) {
	if r.err == nil {
		r.err = &ValidationError{Field: field, Message: msg}
	}
}

func (r *reader) section(name string) *section {
	s := &section{r: r, name: name}
	switch v := r.root.RawGetString(name).(type) {
	case *lua.LTable:
		s.t = v
	case *lua.LNilType:
	default:
		r.fail(name, fmt.Sprintf("expected table, got %s", v.Type()))
	}
	return s
}

// get returns the field value, or nil when absent or of the wrong type.
func (s *section) get(field string, want lua.LValueType) lua.LValue {
	if s.t == nil {
		return nil
	}
	v := s.t.RawGetString(field)
	if v.Type() == lua.LTNil {
		return nil
	}
	if v.Type() != want {
		s.r.fail(s.name+"."+field, fmt.Sprintf("expected %s, got %s", want, v.Type()))
		return nil
	}
	return v
}

func (s *section) str(field string, dst *string) {
	if v := s.get(field, lua.LTString); v != nil {
		*dst = string(v.(lua.LString))
	}
}

func (s *section) boolean(field string, dst *bool) {
	if v := s.get(field, lua.LTBool); v != nil {
		*dst = bool(v.(lua.LBool))
	}
}

func (s *section) integer(field string, dst *int) bool {
	v := s.get(field, lua.LTNumber)
	if v == nil {
		return false
	}
	f := float64(v.(lua.LNumber))
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		s.r.fail(s.name+"."+field, fmt.Sprintf("expected integer, got %v", f))
		return false
	}
	*dst = int(f)
	return true
}

// platforms reads [id] = name pairs. Ids may be written as numbers or strings.
func (r *reader) platforms(dst PlatformMap) {
	s := r.section(luaSectionPlatforms)
	if s.t == nil {
		return
	}
	s.t.ForEach(func(k, v lua.LValue) {
		var id string
		switch key := k.(type) {
		case lua.LString:
			id = strings.TrimSpace(string(key))
		case lua.LNumber:
			id = key.String()
		default:
			r.fail(luaSectionPlatforms, fmt.Sprintf("platform id must be a string or number, got %s", k.Type()))
			return
		}
		name, ok := v.(lua.LString)
		if !ok {
			r.fail(fmt.Sprintf("platforms[%q]", id), fmt.Sprintf("expected string, got %s", v.Type()))
			return
		}
		dst[id] = strings.TrimSpace(string(name))
	})
}

// FormatError formats a ParseError for user display.
// In verbose mode, show the raw Lua error. Otherwise, show friendly message.
func FormatError(err error, verbose bool) string {
	var vErr *ValidationError
	var parseErr *ParseError
	switch {
	case errors.As(err, &parseErr):
		if verbose {
			return fmt.Sprintf("%s\n\nDetails:\n%s", parseErr.Message, parseErr.Detail)
		}
		detail := parseErr.Detail
		if idx := strings.Index(detail, "stack traceback"); idx > 0 {
			detail = strings.TrimSpace(detail[:idx])
		}
		return fmt.Sprintf("%s: %s", parseErr.Message, detail)
	case errors.As(err, &vErr):
		return vErr.Error()
	}
	return err.Error()
}
