package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Gemini     GeminiConfig
	DataForSEO DataForSEOConfig
	Cache      CacheConfig
	FanOut     FanOutConfig
	Retry      RetryConfig
	Breaker    BreakerConfig
	Credits    CreditsConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type DataForSEOConfig struct {
	Login        string
	Password     string
	BaseURL      string
	LocationCode int
	LanguageCode string
}

type CacheConfig struct {
	TTL      time.Duration
	Capacity int
	// RedisURL selects the Redis cache when set.
	RedisURL string
}

type FanOutConfig struct {
	Enabled    bool
	BatchSize  int
	BatchDelay time.Duration
	MaxQueries int
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

type CreditsConfig struct {
	SignupBonus   int
	ReferralBonus int
	BriefCost     int
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Log:     LogConfig{Level: "info"},
		Gemini: GeminiConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
			Model:   "gemini-2.0-flash",
		},
		DataForSEO: DataForSEOConfig{
			BaseURL:      "https://api.dataforseo.com/v3",
			LocationCode: 2840,
			LanguageCode: "en",
		},
		Cache: CacheConfig{TTL: time.Hour, Capacity: 1000},
		FanOut: FanOutConfig{
			Enabled:    true,
			BatchSize:  3,
			BatchDelay: time.Second,
			MaxQueries: 10,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
		},
		Credits: CreditsConfig{
			SignupBonus:   3,
			ReferralBonus: 5,
			BriefCost:     1,
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store, and fails when an upstream
// credential is missing.
//
// On macOS the backend is UserDefaults (domain: com.briefai.app) and secrets
// fall back to macOS Keychain (service: briefai).
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/briefai/config.json
// and secrets fall back to $XDG_DATA_HOME/briefai/secrets.json.
//
// Environment variables (BRIEFAI_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain(), true)
}

// LoadLocal is Load without the credential check, for commands that only
// talk to the local server.
func LoadLocal() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain(), false)
}

func loadWith(b Backend, kc Keychain, requireSecrets bool) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if !requireSecrets {
		return cfg, nil
	}

	var missing []string
	for _, s := range specs {
		if !s.required {
			continue
		}
		if v, _ := s.extract(cfg).(string); v == "" {
			missing = append(missing, s.env)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required config: %s. Set the environment variables%s",
			strings.Join(missing, ", "), secretHint())
	}
	return cfg, nil
}

// applySecrets fills empty secret keys from the platform secret store.
func applySecrets(cfg *Config, kc Keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, _ := s.extract(*cfg).(string); v != "" {
			continue
		}
		if v, err := kc.Get(keychainService, secretAccount(s.key)); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}
