package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

const (
	ProviderOpenAI = "openai"

	SourceEnvironment = "environment"
	SourceStored      = "stored"
)

var ErrNoKey = errors.New("no API key configured")

// Store keeps collaborator credentials in a per-user keys.json.
type Store struct {
	configDir string
}

// Entry is one stored credential. BaseURL is optional and points the
// collaborators at a compatible gateway.
type Entry struct {
	Key     string `json:"key"`
	BaseURL string `json:"base_url,omitempty"`
}

type Keys map[string]Entry

func NewStore() (*Store, error) {
	configDir, err := configDir()
	if err != nil {
		return nil, err
	}
	return &Store{configDir: configDir}, nil
}

// NewStoreAt uses dir instead of the platform config directory.
func NewStoreAt(dir string) *Store {
	return &Store{configDir: dir}
}

func configDir() (string, error) {
	if dir := os.Getenv("ARCHREFINE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "archrefine"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "archrefine"), nil
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "archrefine"), nil
	}
}

func (s *Store) Path() string {
	return filepath.Join(s.configDir, "keys.json")
}

func (s *Store) load() (Keys, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(Keys), nil
		}
		return nil, err
	}

	var keys Keys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse keys.json: %w", err)
	}
	if keys == nil {
		keys = make(Keys)
	}
	return keys, nil
}

func (s *Store) save(keys Keys) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	// owner read/write only
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write keys.json: %w", err)
	}
	return nil
}

func (s *Store) Set(provider string, entry Entry) error {
	entry.Key = strings.TrimSpace(entry.Key)
	if entry.Key == "" {
		return ErrNoKey
	}
	keys, err := s.load()
	if err != nil {
		return err
	}
	keys[provider] = entry
	return s.save(keys)
}

// Get returns the stored entry for provider. A missing entry is not an error.
func (s *Store) Get(provider string) (Entry, bool, error) {
	keys, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := keys[provider]
	return entry, ok, nil
}

func (s *Store) Delete(provider string) error {
	keys, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := keys[provider]; !ok {
		return fmt.Errorf("no key found for %s", provider)
	}
	delete(keys, provider)
	return s.save(keys)
}

// List returns the stored provider names in order.
func (s *Store) List() ([]string, error) {
	keys, err := s.load()
	if err != nil {
		return nil, err
	}
	providers := make([]string, 0, len(keys))
	for provider := range keys {
		providers = append(providers, provider)
	}
	slices.Sort(providers)
	return providers, nil
}

// MaskKey returns a masked version of the key for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// Resolve picks the credential for provider. A key from the environment
// wins; otherwise the stored entry is used. An empty configured base URL is
// filled from the stored entry.
func (s *Store) Resolve(provider string, configured Entry) (Entry, string, error) {
	if strings.TrimSpace(configured.Key) != "" {
		return configured, SourceEnvironment, nil
	}
	stored, ok, err := s.Get(provider)
	if err != nil {
		return Entry{}, "", err
	}
	if !ok || stored.Key == "" {
		return Entry{}, "", fmt.Errorf("%w: set OPENAI_API_KEY or run 'archrefine keys set'", ErrNoKey)
	}
	if configured.BaseURL != "" {
		stored.BaseURL = configured.BaseURL
	}
	return stored, SourceStored, nil
}
