package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "REMEDY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "REMEDY_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REMEDY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "engine.step_timeout", typ: kString, env: "REMEDY_ENGINE_STEP_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Engine.StepTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.StepTimeout },
	},
	{
		key: "engine.action_timeout", typ: kString, env: "REMEDY_ENGINE_ACTION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Engine.ActionTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.ActionTimeout },
	},
	{
		key: "engine.max_concurrent_runs", typ: kInt, env: "REMEDY_ENGINE_MAX_CONCURRENT_RUNS",
		apply:   func(cfg *Config, v any) { cfg.Engine.MaxConcurrentRuns = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.MaxConcurrentRuns },
	},
	{
		key: "recovery.vector_threshold", typ: kFloat, env: "REMEDY_RECOVERY_VECTOR_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Recovery.VectorThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recovery.VectorThreshold },
	},
	{
		key: "recovery.vector_top_k", typ: kInt, env: "REMEDY_RECOVERY_VECTOR_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Recovery.VectorTopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Recovery.VectorTopK },
	},
	{
		key: "log.level", typ: kString, env: "REMEDY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
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
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
