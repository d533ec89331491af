package chatstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

const (
	DefaultSettingsPath = "chatstream.toml"

	EnvBaseURL = "CHATSTREAM_BASE_URL"
	EnvModel   = "CHATSTREAM_MODEL"
	EnvAPIKey  = "CHATSTREAM_API_KEY"

	settingsDebounce = 150 * time.Millisecond
)

// Settings is the persisted connection and chat configuration
type Settings struct {
	BaseURL      string            `toml:"base_url"`
	Model        string            `toml:"model"`
	APIKey       string            `toml:"api_key"`
	SystemPrompt string            `toml:"system_prompt"`
	Dialect      string            `toml:"dialect"`
	Headers      map[string]string `toml:"headers,omitempty"`
	Chat         ChatOptions       `toml:"chat"`
	Log          LogSettings       `toml:"log"`
}

type LogSettings struct {
	Level string `toml:"level"`
}

// DefaultSettings returns the settings used when no file exists
func DefaultSettings() Settings {
	return Settings{
		BaseURL:      DefaultBaseURL,
		Model:        DefaultModel,
		SystemPrompt: DefaultSystemPrompt,
		Dialect:      DialectAuto.Name,
		Log:          LogSettings{Level: LogLevelError.String()},
	}
}

// LoadSettings reads path over the defaults. A missing file is not an error.
// Environment variables override base URL, model and API key.
func LoadSettings(path string) (Settings, error) {
	cfg := DefaultSettings()
	if path == "" {
		path = DefaultSettingsPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv(EnvBaseURL); v != "" {
		s.BaseURL = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		s.Model = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		s.APIKey = v
	}
}

// Validate checks the dialect and log level names
func (s Settings) Validate() error {
	if _, err := LookupDialect(s.Dialect); err != nil {
		return err
	}
	if s.Log.Level != "" {
		if _, err := ParseLogLevel(s.Log.Level); err != nil {
			return err
		}
	}
	return nil
}

// LogLevel returns the configured level, LogLevelError when unset
func (s Settings) LogLevel() LogLevel {
	level, err := ParseLogLevel(s.Log.Level)
	if err != nil {
		return LogLevelError
	}
	return level
}

// SaveSettings writes the settings as TOML. The file is created with mode 0600
// since it may hold an API key.
func SaveSettings(path string, s Settings) error {
	if path == "" {
		path = DefaultSettingsPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open settings file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(s); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return f.Close()
}

// NewChatServiceFromSettings creates a service configured from s
func NewChatServiceFromSettings(s Settings, logger Logger) (*ChatService, error) {
	if logger == nil {
		logger = NewLogger(s.LogLevel())
	}
	svc := NewChatService(s.BaseURL, logger)
	if err := svc.ApplySettings(s); err != nil {
		return nil, err
	}
	return svc, nil
}

// ApplySettings reconfigures the service. An in-flight stream keeps the
// configuration it started with.
func (svc *ChatService) ApplySettings(s Settings) error {
	dialect, err := LookupDialect(s.Dialect)
	if err != nil {
		return err
	}
	svc.SetBaseURL(s.BaseURL)
	if s.Model != "" {
		svc.SetModel(s.Model)
	}
	svc.SetAPIKey(s.APIKey)
	svc.SetSystemPrompt(s.SystemPrompt)
	svc.SetHeaders(s.Headers)
	svc.SetChatOptions(s.Chat)
	svc.SetDialect(dialect)
	return nil
}

// WatchSettings reloads path whenever it changes and hands the result to fn.
// It watches the parent directory so that editors which replace the file are
// handled. Invalid files are logged and skipped. Watching stops when ctx is done.
func WatchSettings(ctx context.Context, path string, logger Logger, fn func(Settings)) error {
	if logger == nil {
		logger = NewLogger(LogLevelError)
	}
	if path == "" {
		path = DefaultSettingsPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(time.Hour)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					timer.Reset(settingsDebounce)
				}

			case <-timer.C:
				s, err := LoadSettings(abs)
				if err != nil {
					logger.Warn("Ignoring settings change: %v", err)
					continue
				}
				logger.Info("Settings reloaded from %s", abs)
				fn(s)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					logger.Warn("Settings watcher error: %v", err)
				}
			}
		}
	}()
	return nil
}
