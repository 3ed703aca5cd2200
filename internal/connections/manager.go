// Package connections loads and serves named connection profiles.
//
// A profile file is YAML (or JSON, which YAML accepts) with a top-level
// "connections" map keyed by connection id. Each profile is parsed and
// validated on its own, so one malformed profile becomes a ConfigError for
// that connection while the rest of the file still loads.
package connections

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/entbridge/pkg/types"
)

// envOverrideFields maps EB_<ID>_<SUFFIX> suffixes to the profile field they
// replace.
var envOverrideFields = map[string]func(p *Profile, v string){
	"CLIENT_ID":     func(p *Profile, v string) { p.Auth.ClientID = v },
	"CLIENT_SECRET": func(p *Profile, v string) { p.Auth.ClientSecret = v },
	"USERNAME":      func(p *Profile, v string) { p.Auth.Username = v },
	"PASSWORD":      func(p *Profile, v string) { p.Auth.Password = v },
	"API_KEY":       func(p *Profile, v string) { p.Auth.APIKey = v },
	"TOKEN_URL":     func(p *Profile, v string) { p.Auth.TokenURL = v },
	"PRIVATE_KEY":   func(p *Profile, v string) { p.Auth.PrivateKey = v },
	"BASE_URL":      func(p *Profile, v string) { p.BaseURL = v },
}

// Summary is the non-secret view of a profile returned by List.
type Summary struct {
	ID          string           `json:"id"`
	System      types.SystemKind `json:"system,omitempty"`
	BaseURL     string           `json:"base_url,omitempty"`
	AuthType    AuthType         `json:"auth_type,omitempty"`
	Description string           `json:"description,omitempty"`
	Valid       bool             `json:"valid"`
	Error       string           `json:"error,omitempty"`
}

type profileFile struct {
	Connections map[string]yaml.Node `yaml:"connections"`
}

// Manager holds the loaded profile set. It is safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	profiles   map[string]*Profile
	invalid    map[string]error
	configPath string
	baseDir    string // Directory used to resolve relative paths in the config
	getenv     func(string) string
}

// Option configures a Manager.
type Option func(*Manager)

// WithEnv replaces os.Getenv for override lookups. Used by tests.
func WithEnv(getenv func(string) string) Option {
	return func(m *Manager) { m.getenv = getenv }
}

// NewManager loads profiles from configPath. A missing file yields an empty
// profile set rather than an error so a fresh install can still start and
// be configured later.
func NewManager(configPath string, opts ...Option) (*Manager, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		absPath = configPath
	}
	m := newManager(opts...)
	m.configPath = absPath
	m.baseDir = filepath.Dir(absPath)

	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewManagerFromBytes parses an in-memory profile document.
func NewManagerFromBytes(data []byte, opts ...Option) (*Manager, error) {
	m := newManager(opts...)
	if err := m.parse(data); err != nil {
		return nil, err
	}
	return m, nil
}

func newManager(opts ...Option) *Manager {
	m := &Manager{
		profiles: make(map[string]*Profile),
		invalid:  make(map[string]error),
		getenv:   os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load re-reads the profile file, replacing the current set.
func (m *Manager) Load() error {
	if m.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m.parse(nil)
		}
		return types.WrapError(types.KindConfig, err, "failed to read profile file %s", m.configPath)
	}
	return m.parse(data)
}

// Path returns the profile file path, empty for in-memory managers.
func (m *Manager) Path() string { return m.configPath }

func (m *Manager) parse(data []byte) error {
	var file profileFile
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return types.WrapError(types.KindConfig, err, "failed to parse profile file")
		}
	}

	profiles := make(map[string]*Profile, len(file.Connections))
	invalid := make(map[string]error)
	for id, node := range file.Connections {
		p, err := m.decodeProfile(id, &node)
		if err != nil {
			invalid[id] = err
			continue
		}
		profiles[id] = p
	}

	m.mu.Lock()
	m.profiles = profiles
	m.invalid = invalid
	m.mu.Unlock()
	return nil
}

func (m *Manager) decodeProfile(id string, node *yaml.Node) (*Profile, error) {
	var p Profile
	if err := node.Decode(&p); err != nil {
		e := types.WrapError(types.KindConfig, err, "malformed profile")
		e.Connection = id
		return nil, e
	}
	p.ID = id
	p.System = types.SystemKind(strings.ToLower(string(p.System)))
	m.applyEnvOverrides(&p)

	if p.Auth.PrivateKey == "" && p.Auth.PrivateKeyFile != "" {
		path := p.Auth.PrivateKeyFile
		if !filepath.IsAbs(path) && m.baseDir != "" {
			path = filepath.Join(m.baseDir, path)
		}
		key, err := os.ReadFile(path)
		if err != nil {
			e := types.WrapError(types.KindConfig, err, "failed to read private_key_file")
			e.Connection = id
			e.System = p.System
			return nil, e
		}
		p.Auth.PrivateKey = string(key)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Manager) applyEnvOverrides(p *Profile) {
	prefix := "EB_" + EnvKey(p.ID) + "_"
	for suffix, set := range envOverrideFields {
		if v := m.getenv(prefix + suffix); v != "" {
			set(p, v)
		}
	}
}

// EnvKey upper-cases a connection id and replaces every character outside
// [A-Z0-9] with an underscore, giving the id segment of EB_<ID>_<FIELD>.
func EnvKey(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Get returns the profile for id. Unknown ids and profiles that failed to
// load are ConfigErrors.
func (m *Manager) Get(id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err, bad := m.invalid[id]; bad {
		return nil, err
	}
	p, ok := m.profiles[id]
	if !ok {
		e := types.ConfigErrorf("connection %q is not configured (available: %s)", id, strings.Join(m.idsLocked(), ", "))
		e.Connection = id
		return nil, e
	}
	cp := *p
	return &cp, nil
}

// List returns a summary of every profile, valid or not, sorted by id.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Summary, 0, len(m.profiles)+len(m.invalid))
	for id, p := range m.profiles {
		out = append(out, Summary{
			ID:          id,
			System:      p.System,
			BaseURL:     p.BaseURL,
			AuthType:    p.Auth.Type,
			Description: p.Description,
			Valid:       true,
		})
	}
	for id, err := range m.invalid {
		s := Summary{ID: id, Error: err.Error()}
		if e, ok := types.AsError(err); ok {
			s.System = e.System
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the ids of valid profiles, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idsLocked()
}

func (m *Manager) idsLocked() []string {
	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Errors returns the per-connection load errors.
func (m *Manager) Errors() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]error, len(m.invalid))
	for k, v := range m.invalid {
		out[k] = v
	}
	return out
}

// WriteTemplate writes the starter profile file to path, refusing to
// overwrite an existing file unless force is set.
func WriteTemplate(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateTemplate()), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
