package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-arbiter/internal/domain"
)

var validate = validator.New()

// providersFile is the YAML shape of the descriptor file. Timeouts are Go
// duration strings ("30s", "2m"), parsed during conversion.
type providersFile struct {
	Providers []providerEntry `yaml:"providers"`
}

type providerEntry struct {
	ID            string `yaml:"id"`
	Type          string `yaml:"type"`
	Model         string `yaml:"model"`
	BaseURL       string `yaml:"base_url"`
	APIKeyEnv     string `yaml:"api_key_env"`
	Priority      int    `yaml:"priority"`
	Timeout       string `yaml:"timeout"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

func (e providerEntry) toDescriptor() (domain.ProviderDescriptor, error) {
	desc := domain.ProviderDescriptor{
		ID:            e.ID,
		Type:          e.Type,
		Model:         e.Model,
		BaseURL:       e.BaseURL,
		APIKeyEnv:     e.APIKeyEnv,
		Priority:      e.Priority,
		MaxConcurrent: e.MaxConcurrent,
	}
	if e.Timeout != "" {
		timeout, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return desc, eris.Wrapf(err, "config: provider %q timeout", e.ID)
		}
		desc.Timeout = timeout
	}
	return desc, nil
}

// LoadProviders reads the provider descriptor list from path. An empty path
// returns the built-in defaults. Descriptors are validated before use so a
// bad file fails at startup rather than on the first evaluation.
func LoadProviders(path string) ([]domain.ProviderDescriptor, error) {
	if path == "" {
		return DefaultProviders(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read providers file %s", path)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrapf(err, "config: parse providers file %s", path)
	}
	if len(file.Providers) == 0 {
		return nil, eris.Errorf("config: providers file %s lists no providers", path)
	}

	descs := make([]domain.ProviderDescriptor, 0, len(file.Providers))
	seen := make(map[string]bool, len(file.Providers))
	for _, entry := range file.Providers {
		desc, err := entry.toDescriptor()
		if err != nil {
			return nil, err
		}
		if err := validate.Struct(desc); err != nil {
			return nil, eris.Wrapf(err, "config: invalid provider descriptor %q", desc.ID)
		}
		if seen[desc.ID] {
			return nil, eris.Errorf("config: duplicate provider id %q", desc.ID)
		}
		seen[desc.ID] = true
		descs = append(descs, desc)
	}

	return descs, nil
}

// DefaultProviders returns the built-in descriptor list. Priorities order the
// fallback chain; descriptors whose API key variable is unset are skipped at
// pool construction, so it is safe to deploy with only a subset configured.
func DefaultProviders() []domain.ProviderDescriptor {
	return []domain.ProviderDescriptor{
		{
			ID:        "openrouter-gemini-flash",
			Type:      "openrouter",
			Model:     "google/gemini-2.0-flash-exp:free",
			BaseURL:   "https://openrouter.ai/api/v1",
			APIKeyEnv: "OPENROUTER_API_KEY",
			Priority:  0,
			Timeout:   60 * time.Second,
		},
		{
			ID:        "openrouter-llama",
			Type:      "openrouter",
			Model:     "meta-llama/llama-3.3-70b-instruct:free",
			BaseURL:   "https://openrouter.ai/api/v1",
			APIKeyEnv: "OPENROUTER_API_KEY",
			Priority:  1,
			Timeout:   60 * time.Second,
		},
		{
			ID:        "openai-mini",
			Type:      "openai",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Priority:  2,
			Timeout:   60 * time.Second,
		},
		{
			ID:        "anthropic-haiku",
			Type:      "anthropic",
			Model:     "claude-3-5-haiku-latest",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Priority:  3,
			Timeout:   60 * time.Second,
		},
		{
			ID:        "google-gemini",
			Type:      "google",
			Model:     "gemini-2.0-flash",
			APIKeyEnv: "GEMINI_API_KEY",
			Priority:  4,
			Timeout:   60 * time.Second,
		},
	}
}
