// Package config loads the YAML settings of the transmit engine and its
// tools, and tells registered components when a reload changed them.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

var (
	// ErrEmpty is returned when a configuration string holds no settings.
	ErrEmpty = errors.New("empty configuration")

	// ErrNoFiles is returned when a config path holds no YAML files.
	ErrNoFiles = errors.New("no config files found")
)

// C holds the merged settings of every YAML file found under one path.
type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, either a single file of any name or a directory searched
// recursively for .yml and .yaml files, and merges the files in lexical
// order.
func (c *C) Load(path string) error {
	files, err := findFiles(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w at %s", ErrNoFiles, path)
	}

	settings, err := mergeFiles(files)
	if err != nil {
		return err
	}

	c.path = path
	c.files = files
	c.Settings = settings
	return nil
}

// LoadString replaces the settings with the YAML document raw.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return ErrEmpty
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	if m == nil {
		return ErrEmpty
	}

	c.Settings = m
	return nil
}

// Files returns the files merged by the last Load.
func (c *C) Files() []string {
	return c.files
}

// RegisterReloadCallback adds f to the functions run after every successful
// reload. Callbacks use HasChanged to skip settings that stayed the same and
// must not block.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad reports whether no reload has happened yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged reports whether the value under k differs between the settings
// before and after the last reload. An empty k compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}
	if k == "" {
		return !reflect.DeepEqual(c.Settings, c.oldSettings)
	}
	return !reflect.DeepEqual(c.get(k, c.Settings), c.get(k, c.oldSettings))
}

// CatchHUP reloads the config from the path given to Load on every SIGHUP
// until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				if err := c.ReloadConfig(); err != nil {
					c.l.WithField("config_path", c.path).WithError(err).Error("Failed to reload config, keeping the current settings")
				}
			}
		}
	}()
}

// ReloadConfig loads the path given to Load again and runs the reload
// callbacks. The current settings stay in place if loading fails.
func (c *C) ReloadConfig() error {
	return c.reload(func() error { return c.Load(c.path) })
}

// ReloadConfigString is ReloadConfig for settings held in memory.
func (c *C) ReloadConfigString(raw string) error {
	return c.reload(func() error { return c.LoadString(raw) })
}

func (c *C) reload(load func() error) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	prev := maps.Clone(c.Settings)
	if err := load(); err != nil {
		return err
	}
	c.oldSettings = prev

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

// findFiles returns path itself if it is a file, otherwise every YAML file
// below it in lexical order. A missing path yields no files.
func findFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil
	}

	if !info.IsDir() {
		ap, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{ap}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("problem while reading %s: %w", p, err)
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(p); ext != ".yaml" && ext != ".yml" {
			return nil
		}
		ap, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files = append(files, ap)
		return nil
	})
	return files, err
}

// mergeFiles merges files in order. A later file overrides the values of
// earlier ones and lists of the earlier files are appended to its own.
func mergeFiles(files []string) (map[string]any, error) {
	var m map[string]any
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		var nm map[string]any
		if err := yaml.Unmarshal(b, &nm); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if nm == nil {
			nm = make(map[string]any)
		}

		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		m = nm
	}
	return m, nil
}
