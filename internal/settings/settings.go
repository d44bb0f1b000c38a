// Package settings supplies session timeouts and the idle warning window
// from an optional YAML file, reloading it when it changes.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"
)

// Defaults used when no settings file is configured or it cannot be read.
const (
	DefaultSessionTimeout     = time.Hour
	DefaultRememberMeTimeout  = 30 * 24 * time.Hour
	DefaultIdleWarningMinutes = 5
)

// Settings are the values the session manager reads.
type Settings struct {
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	RememberMeTimeout  time.Duration `yaml:"remember_me_timeout"`
	IdleWarningMinutes int           `yaml:"idle_warning_minutes"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		SessionTimeout:     DefaultSessionTimeout,
		RememberMeTimeout:  DefaultRememberMeTimeout,
		IdleWarningMinutes: DefaultIdleWarningMinutes,
	}
}

// IdleWarning returns the warning window as a duration.
func (s Settings) IdleWarning() time.Duration {
	return time.Duration(s.IdleWarningMinutes) * time.Minute
}

// Timeout returns the session lifetime for a login.
func (s Settings) Timeout(rememberMe bool) time.Duration {
	if rememberMe {
		return s.RememberMeTimeout
	}

	return s.SessionTimeout
}

// withDefaults replaces unset or non-positive fields.
func (s Settings) withDefaults() Settings {
	d := Defaults()

	if s.SessionTimeout <= 0 {
		s.SessionTimeout = d.SessionTimeout
	}

	if s.RememberMeTimeout <= 0 {
		s.RememberMeTimeout = d.RememberMeTimeout
	}

	if s.IdleWarningMinutes <= 0 {
		s.IdleWarningMinutes = d.IdleWarningMinutes
	}

	return s
}

// Provider is read by the session manager on every create and renew.
type Provider interface {
	Current() Settings
}

// Static is a Provider with fixed values.
type Static Settings

// Current implements Provider.
func (s Static) Current() Settings { return Settings(s).withDefaults() }

// File is a Provider backed by a YAML file.
type File struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	current  Settings
	onChange []func(Settings)
}

// Load reads path. A missing or unreadable file yields the defaults; the
// file is still watched so creating it later takes effect.
func Load(path string, logger *slog.Logger) *File {
	f := &File{path: path, logger: logger}
	f.current = f.read()

	return f
}

// Current implements Provider.
func (f *File) Current() Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// OnChange registers fn to be called with the new settings after every
// reload that changes them.
func (f *File) OnChange(fn func(Settings)) {
	f.mu.Lock()
	f.onChange = append(f.onChange, fn)
	f.mu.Unlock()
}

func (f *File) read() Settings {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			f.logger.Warn("reading settings file failed, using defaults",
				slog.String("path", f.path),
				slog.String("error", err.Error()),
			)
		}

		return Defaults()
	}

	s, err := Parse(data)
	if err != nil {
		f.logger.Warn("parsing settings file failed, using defaults",
			slog.String("path", f.path),
			slog.String("error", err.Error()),
		)

		return Defaults()
	}

	return s
}

// Parse decodes YAML settings and fills in defaults for absent fields.
func Parse(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}

	return s.withDefaults(), nil
}

// Reload re-reads the file, logs what changed and notifies listeners.
func (f *File) Reload() {
	next := f.read()

	f.mu.Lock()
	prev := f.current
	f.current = next
	listeners := append([]func(Settings){}, f.onChange...)
	f.mu.Unlock()

	if prev == next {
		return
	}

	f.logger.Info("settings reloaded",
		slog.String("path", f.path),
		slog.String("diff", describeChange(prev, next)),
	)

	for _, fn := range listeners {
		fn(next)
	}
}

// Watch reloads the file whenever it is written or replaced. It watches
// the parent directory because editors commonly save by rename. It blocks
// until ctx is cancelled.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	name := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != name {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				f.Reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			f.logger.Warn("settings watcher error", slog.String("error", err.Error()))
		}
	}
}

// describeChange renders a line diff of the two settings as YAML, one
// "-old" / "+new" line per changed field.
func describeChange(prev, next Settings) string {
	a, _ := yaml.Marshal(prev)
	b, _ := yaml.Marshal(next)

	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(string(a), string(b))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lines)

	var out []string

	for _, d := range diffs {
		var prefix string

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		default:
			continue
		}

		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out = append(out, prefix+line)
		}
	}

	return strings.Join(out, "; ")
}
