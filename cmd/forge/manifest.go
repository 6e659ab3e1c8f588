package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	forge "github.com/fortyweight/forge"
)

// manifestTarget is the on-disk shape of one target entry in a
// workspace manifest, decoded by viper from YAML/JSON/TOML and
// converted into a forge.Target.
type manifestTarget struct {
	ID         string            `mapstructure:"id"`
	Type       string            `mapstructure:"type"`
	Language   string            `mapstructure:"language"`
	Sources    []string          `mapstructure:"sources"`
	Deps       []string          `mapstructure:"deps"`
	Flags      []string          `mapstructure:"flags"`
	Env        map[string]string `mapstructure:"env"`
	OutputPath string            `mapstructure:"output"`
	LangConfig map[string]string `mapstructure:"lang_config"`
}

var targetTypes = map[string]forge.TargetType{
	"executable": forge.TargetExecutable,
	"library":    forge.TargetLibrary,
	"test":       forge.TargetTest,
	"custom":     forge.TargetCustom,
}

func (m manifestTarget) toTarget() (forge.Target, error) {
	typ, ok := targetTypes[m.Type]
	if !ok && m.Type != "" {
		return forge.Target{}, fmt.Errorf("manifest: target %q has unknown type %q", m.ID, m.Type)
	}
	deps := make([]forge.TargetId, len(m.Deps))
	for i, d := range m.Deps {
		deps[i] = forge.TargetId(d)
	}
	return forge.Target{
		Id:         forge.TargetId(m.ID),
		Type:       typ,
		Language:   m.Language,
		Sources:    m.Sources,
		Deps:       deps,
		Flags:      m.Flags,
		Env:        m.Env,
		OutputPath: m.OutputPath,
		LangConfig: m.LangConfig,
	}, nil
}

// manifestFile is a workspace manifest's top-level shape: the target
// list plus the subset of WorkspaceOptions/CheckpointConfig/RetryConfig
// a manifest is allowed to set. The -jobs flag of cmd/forge takes
// precedence over a manifest's max_jobs; no other flag overrides a
// manifest value.
type manifestFile struct {
	Targets       []manifestTarget  `mapstructure:"targets"`
	Env           map[string]string `mapstructure:"env"`
	MaxJobs       int               `mapstructure:"max_jobs"`
	Incremental   bool              `mapstructure:"incremental"`
	CacheDir      string            `mapstructure:"cache_dir"`
	Checkpointing struct {
		Enabled  bool   `mapstructure:"enabled"`
		Interval int    `mapstructure:"interval"`
		Path     string `mapstructure:"path"`
	} `mapstructure:"checkpointing"`
	Retry struct {
		Enabled     bool `mapstructure:"enabled"`
		MaxAttempts int  `mapstructure:"max_attempts"`
		BackoffMs   int  `mapstructure:"backoff_ms"`
		Exponential bool `mapstructure:"exponential"`
	} `mapstructure:"retry"`
}

// loadManifest reads the workspace manifest rooted at root (a
// "forge" file named manifest in root, any of viper's supported
// extensions — YAML, JSON, TOML) and produces a WorkspaceConfig.
// manifestPath, if non-empty, overrides the default search path.
func loadManifest(root, manifestPath string) (forge.WorkspaceConfig, error) {
	v := viper.New()
	if manifestPath != "" {
		v.SetConfigFile(manifestPath)
	} else {
		v.SetConfigName("forge")
		v.AddConfigPath(root)
	}
	v.SetEnvPrefix("FORGE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return forge.WorkspaceConfig{}, fmt.Errorf("manifest: %w", err)
	}

	var mf manifestFile
	if err := v.Unmarshal(&mf); err != nil {
		return forge.WorkspaceConfig{}, fmt.Errorf("manifest: decode: %w", err)
	}

	targets := make([]forge.Target, len(mf.Targets))
	for i, mt := range mf.Targets {
		t, err := mt.toTarget()
		if err != nil {
			return forge.WorkspaceConfig{}, err
		}
		targets[i] = t
	}

	cacheDir := mf.CacheDir
	if cacheDir != "" && !filepath.IsAbs(cacheDir) {
		cacheDir = filepath.Join(root, cacheDir)
	}

	return forge.WorkspaceConfig{
		Root:      root,
		Targets:   targets,
		GlobalEnv: mf.Env,
		Options: forge.WorkspaceOptions{
			CacheDir:    cacheDir,
			Parallel:    mf.MaxJobs != 1,
			Incremental: mf.Incremental,
			MaxJobs:     mf.MaxJobs,
		},
		Checkpointing: forge.CheckpointConfig{
			Enabled:  mf.Checkpointing.Enabled,
			Interval: mf.Checkpointing.Interval,
			Path:     mf.Checkpointing.Path,
		},
		Retry: forge.RetryConfig{
			Enabled:     mf.Retry.Enabled,
			MaxAttempts: mf.Retry.MaxAttempts,
			BackoffMs:   mf.Retry.BackoffMs,
			Exponential: mf.Retry.Exponential,
		},
	}, nil
}
