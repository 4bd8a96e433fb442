package engine

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

//go:embed empty
var emptyFS embed.FS

// AssetConfig is one entry of the game.json assets map.
type AssetConfig struct {
	Type     string         `json:"type"`
	Path     string         `json:"path"`
	Width    int            `json:"width,omitempty"`
	Height   int            `json:"height,omitempty"`
	Duration int            `json:"duration,omitempty"`
	SystemID string         `json:"systemId,omitempty"`
	Loop     bool           `json:"loop,omitempty"`
	Hint     map[string]any `json:"hint,omitempty"`
	Global   bool           `json:"global,omitempty"`
}

// GameConfig is the decoded game.json.
type GameConfig struct {
	Width       int                    `json:"width"`
	Height      int                    `json:"height"`
	FPS         int                    `json:"fps"`
	Main        string                 `json:"main"`
	Assets      map[string]AssetConfig `json:"assets"`
	Environment map[string]any         `json:"environment,omitempty"`
}

// Content is a loaded game: its configuration and the file tree its paths
// resolve against.
type Content struct {
	Config  GameConfig
	Version Version
	Source  string

	fsys fs.FS
}

// LoadContent reads the game.json at gameJSONPath. Asset and script paths
// resolve against its directory.
func LoadContent(gameJSONPath string) (*Content, error) {
	abs, err := filepath.Abs(gameJSONPath)
	if err != nil {
		return nil, err
	}
	c, err := LoadContentFS(os.DirFS(filepath.Dir(abs)), filepath.Base(abs))
	if err != nil {
		return nil, err
	}
	c.Source = abs
	return c, nil
}

// LoadContentFS reads the game.json named name inside fsys.
func LoadContentFS(fsys fs.FS, name string) (*Content, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("engine: read %s: %w", name, err)
	}
	var cfg GameConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("engine: decode %s: %w", name, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("engine: %s: width and height must be positive", name)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Main == "" {
		cfg.Main = "./script/main.js"
	}
	if cfg.Assets == nil {
		cfg.Assets = map[string]AssetConfig{}
	}
	v, err := ParseVersion(cfg.Environment["sandbox-runtime"])
	if err != nil {
		return nil, err
	}
	return &Content{Config: cfg, Version: v, Source: name, fsys: fsys}, nil
}

// EmptyContent returns the built-in content used when no game.json is given.
func EmptyContent() (*Content, error) {
	sub, err := fs.Sub(emptyFS, "empty")
	if err != nil {
		return nil, err
	}
	c, err := LoadContentFS(sub, "game.json")
	if err != nil {
		return nil, err
	}
	c.Source = "(empty)"
	return c, nil
}

func cleanPath(p string) (string, error) {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || !fs.ValidPath(p) {
		return "", fmt.Errorf("engine: invalid content path %q", p)
	}
	return p, nil
}

// ReadText reads a file of the content tree.
func (c *Content) ReadText(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	raw, err := fs.ReadFile(c.fsys, clean)
	if err != nil {
		return "", fmt.Errorf("engine: read %s: %w", clean, err)
	}
	return string(raw), nil
}

func (c *Content) exists(p string) bool {
	st, err := fs.Stat(c.fsys, p)
	return err == nil && !st.IsDir()
}

// ResolveModule maps a require() argument to a content path. Script asset ids
// resolve first, then paths relative to dir with the usual .js and index.js
// fallbacks.
func (c *Content) ResolveModule(dir, name string) (string, error) {
	if a, ok := c.Config.Assets[name]; ok && a.Type == "script" {
		return cleanPath(a.Path)
	}
	base := name
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		base = path.Join(dir, name)
	}
	clean, err := cleanPath(base)
	if err != nil {
		return "", err
	}
	for _, cand := range []string{clean, clean + ".js", clean + "/index.js"} {
		if c.exists(cand) {
			return cand, nil
		}
	}
	return "", fmt.Errorf("engine: %w: cannot find module %q from %q", errModuleNotFound, name, dir)
}

var errModuleNotFound = errors.New("module not found")
