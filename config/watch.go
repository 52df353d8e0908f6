package config

import (
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ErrNoConfigFile is returned by Watch when configuration comes only from the environment
var ErrNoConfigFile = errors.New("no config file to watch")

const reloadDebounce = 100 * time.Millisecond

// Loader owns the viper instance behind a Config and reloads it on file changes
type Loader struct {
	v    *viper.Viper
	path string

	mu       sync.RWMutex
	current  *Config
	watchers []func(old, new *Config)
}

// NewLoader loads configuration once. path may be empty.
func NewLoader(path string) (*Loader, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, path: path, current: cfg}, nil
}

// Current returns the most recently loaded configuration
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback for configuration changes
func (l *Loader) OnChange(fn func(old, new *Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

// Watch reloads the config file when it changes. Rapid successive writes are
// coalesced; invalid files are logged and ignored.
func (l *Loader) Watch(logger *zap.Logger) error {
	if l.path == "" {
		return ErrNoConfigFile
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		debounceMu    sync.Mutex
		debounceTimer *time.Timer
	)
	l.v.OnConfigChange(func(e fsnotify.Event) {
		debounceMu.Lock()
		defer debounceMu.Unlock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(reloadDebounce, func() {
			l.reload(logger, e.Name)
		})
	})
	l.v.WatchConfig()

	logger.Info("watching config file", zap.String("path", l.path))
	return nil
}

func (l *Loader) reload(logger *zap.Logger, file string) {
	old, next, watchers, err := l.swap()
	if err != nil {
		logger.Error("config reload failed, keeping previous configuration",
			zap.String("file", file),
			zap.Error(err),
		)
		return
	}
	if reflect.DeepEqual(old, next) {
		return
	}

	logger.Info("configuration reloaded", zap.String("file", file))
	for _, fn := range watchers {
		l.notify(logger, fn, old, next)
	}
}

func (l *Loader) swap() (*Config, *Config, []func(old, new *Config), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		return nil, nil, nil, err
	}
	next, err := decode(l.v)
	if err != nil {
		return nil, nil, nil, err
	}
	old := l.current
	l.current = next

	watchers := make([]func(old, new *Config), len(l.watchers))
	copy(watchers, l.watchers)
	return old, next, watchers, nil
}

func (l *Loader) notify(logger *zap.Logger, fn func(old, new *Config), old, next *Config) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("config change handler panicked", zap.Any("panic", r))
		}
	}()
	fn(old, next)
}
