package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key      string
	typ      keyType
	env      string
	secret   bool
	required bool
	apply    func(cfg *Config, v any)
	extract  func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "BRIEFAI_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BRIEFAI_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "BRIEFAI_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "gemini.api_key", typ: kString, env: "BRIEFAI_GEMINI_API_KEY",
		secret: true, required: true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.base_url", typ: kString, env: "BRIEFAI_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "gemini.model", typ: kString, env: "BRIEFAI_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "dataforseo.login", typ: kString, env: "BRIEFAI_DATAFORSEO_LOGIN",
		secret: true, required: true,
		apply:   func(cfg *Config, v any) { cfg.DataForSEO.Login = v.(string) },
		extract: func(cfg Config) any { return cfg.DataForSEO.Login },
	},
	{
		key: "dataforseo.password", typ: kString, env: "BRIEFAI_DATAFORSEO_PASSWORD",
		secret: true, required: true,
		apply:   func(cfg *Config, v any) { cfg.DataForSEO.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.DataForSEO.Password },
	},
	{
		key: "dataforseo.base_url", typ: kString, env: "BRIEFAI_DATAFORSEO_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.DataForSEO.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.DataForSEO.BaseURL },
	},
	{
		key: "dataforseo.location_code", typ: kInt, env: "BRIEFAI_DATAFORSEO_LOCATION_CODE",
		apply:   func(cfg *Config, v any) { cfg.DataForSEO.LocationCode = v.(int) },
		extract: func(cfg Config) any { return cfg.DataForSEO.LocationCode },
	},
	{
		key: "dataforseo.language_code", typ: kString, env: "BRIEFAI_DATAFORSEO_LANGUAGE_CODE",
		apply:   func(cfg *Config, v any) { cfg.DataForSEO.LanguageCode = v.(string) },
		extract: func(cfg Config) any { return cfg.DataForSEO.LanguageCode },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "BRIEFAI_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.capacity", typ: kInt, env: "BRIEFAI_CACHE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Cache.Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.Capacity },
	},
	{
		key: "cache.redis_url", typ: kString, env: "BRIEFAI_CACHE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "fanout.enabled", typ: kBool, env: "BRIEFAI_FANOUT_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.FanOut.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.FanOut.Enabled },
	},
	{
		key: "fanout.batch_size", typ: kInt, env: "BRIEFAI_FANOUT_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.FanOut.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.FanOut.BatchSize },
	},
	{
		key: "fanout.batch_delay", typ: kDuration, env: "BRIEFAI_FANOUT_BATCH_DELAY",
		apply:   func(cfg *Config, v any) { cfg.FanOut.BatchDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.FanOut.BatchDelay },
	},
	{
		key: "fanout.max_queries", typ: kInt, env: "BRIEFAI_FANOUT_MAX_QUERIES",
		apply:   func(cfg *Config, v any) { cfg.FanOut.MaxQueries = v.(int) },
		extract: func(cfg Config) any { return cfg.FanOut.MaxQueries },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "BRIEFAI_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.base_delay", typ: kDuration, env: "BRIEFAI_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
	},
	{
		key: "retry.max_delay", typ: kDuration, env: "BRIEFAI_RETRY_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retry.MaxDelay },
	},
	{
		key: "breaker.failure_threshold", typ: kInt, env: "BRIEFAI_BREAKER_FAILURE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Breaker.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Breaker.FailureThreshold },
	},
	{
		key: "breaker.recovery_timeout", typ: kDuration, env: "BRIEFAI_BREAKER_RECOVERY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Breaker.RecoveryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Breaker.RecoveryTimeout },
	},
	{
		key: "credits.signup_bonus", typ: kInt, env: "BRIEFAI_CREDITS_SIGNUP_BONUS",
		apply:   func(cfg *Config, v any) { cfg.Credits.SignupBonus = v.(int) },
		extract: func(cfg Config) any { return cfg.Credits.SignupBonus },
	},
	{
		key: "credits.referral_bonus", typ: kInt, env: "BRIEFAI_CREDITS_REFERRAL_BONUS",
		apply:   func(cfg *Config, v any) { cfg.Credits.ReferralBonus = v.(int) },
		extract: func(cfg Config) any { return cfg.Credits.ReferralBonus },
	},
	{
		key: "credits.brief_cost", typ: kInt, env: "BRIEFAI_CREDITS_BRIEF_COST",
		apply:   func(cfg *Config, v any) { cfg.Credits.BriefCost = v.(int) },
		extract: func(cfg Config) any { return cfg.Credits.BriefCost },
	},
}

// parse converts raw into the key's declared type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if pv, err := s.parse(v); err == nil {
					s.apply(cfg, pv)
				} else {
					slog.Warn("ignoring unparsable config value", "key", s.key, "value", v, "error", err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring unparsable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
