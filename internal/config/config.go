// Package config loads the devpilot TOML configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/devpilot/internal/env"
	"github.com/loykin/devpilot/internal/logger"
	"github.com/loykin/devpilot/internal/process"
	"github.com/loykin/devpilot/internal/store"
)

// EnvPrefix is prepended to environment overrides, e.g. DEVPILOT_SERVER_LISTEN.
const EnvPrefix = "DEVPILOT"

// Config is the top-level configuration file.
type Config struct {
	Server     ServerConfig    `mapstructure:"server"`
	Store      StoreConfig     `mapstructure:"store"`
	History    HistoryConfig   `mapstructure:"history"`
	Log        logger.Config   `mapstructure:"log"`
	Runs       RunsConfig      `mapstructure:"runs"`
	Env        EnvConfig       `mapstructure:"env"`
	Ports      PortsConfig     `mapstructure:"ports"`
	Events     EventsConfig    `mapstructure:"events"`
	Workspace  WorkspaceConfig `mapstructure:"workspace"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
	Projects   []ProjectConfig `mapstructure:"projects"`
	Workspaces []WorkspaceSeed `mapstructure:"workspaces"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// StoreConfig selects the definition store: "memory", a sqlite path or a postgres URL.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HistoryConfig lists history sink DSNs (sqlite, postgres, clickhouse, opensearch).
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type RunsConfig struct {
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	RestartSettle time.Duration `mapstructure:"restart_settle"`
	ArchiveSize   int           `mapstructure:"archive_size"`
}

type EnvConfig struct {
	InheritHost bool     `mapstructure:"inherit_host"`
	EnvFiles    []string `mapstructure:"env_files"`
	Env         []string `mapstructure:"env"`
	Expand      bool     `mapstructure:"expand"`
}

// Options converts the section into resolver options.
func (c EnvConfig) Options() env.Options {
	return env.Options{InheritHost: c.InheritHost, EnvFiles: c.EnvFiles, Global: c.Env, Expand: c.Expand}
}

type PortsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type EventsConfig struct {
	RunBuffer        int `mapstructure:"run_buffer"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type WorkspaceConfig struct {
	SettleTimeout time.Duration `mapstructure:"settle_timeout"`
	RestartSettle time.Duration `mapstructure:"restart_settle"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ProjectConfig seeds a project with its scripts and profiles.
type ProjectConfig struct {
	ID       string          `mapstructure:"id"`
	Name     string          `mapstructure:"name"`
	Path     string          `mapstructure:"path"`
	Scripts  []ScriptConfig  `mapstructure:"scripts"`
	Profiles []ProfileConfig `mapstructure:"profiles"`
}

type ScriptConfig struct {
	Name         string `mapstructure:"name"`
	Command      string `mapstructure:"command"`
	Runner       string `mapstructure:"runner"`
	Description  string `mapstructure:"description"`
	ExpectedPort int    `mapstructure:"expected_port"`
}

// ProfileConfig lists KEY=VALUE pairs in order; Secrets names the keys to mask.
type ProfileConfig struct {
	Name    string   `mapstructure:"name"`
	Default bool     `mapstructure:"default"`
	Env     []string `mapstructure:"env"`
	Secrets []string `mapstructure:"secrets"`
}

// WorkspaceSeed seeds a workspace definition.
type WorkspaceSeed struct {
	ID        string          `mapstructure:"id"`
	Name      string          `mapstructure:"name"`
	Settle    string          `mapstructure:"settle"`
	OnFailure string          `mapstructure:"on_failure"`
	Items     []WorkspaceItem `mapstructure:"items"`
}

type WorkspaceItem struct {
	ID      string `mapstructure:"id"`
	Project string `mapstructure:"project"`
	Script  string `mapstructure:"script"`
	Profile string `mapstructure:"profile"`
	Mode    string `mapstructure:"mode"`
	Order   int    `mapstructure:"order"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:7777")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("store.dsn", "memory")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.color", true)
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("runs.stop_grace", 5*time.Second)
	v.SetDefault("runs.restart_settle", 400*time.Millisecond)
	v.SetDefault("runs.archive_size", 256)
	v.SetDefault("ports.enabled", true)
	v.SetDefault("ports.interval", 2*time.Second)
	v.SetDefault("events.run_buffer", 1000)
	v.SetDefault("events.subscriber_buffer", 256)
	v.SetDefault("workspace.settle_timeout", 2*time.Minute)
	v.SetDefault("workspace.restart_settle", 400*time.Millisecond)
	v.SetDefault("metrics.enabled", true)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the configuration used when no file is given.
func Default() Config {
	c, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads path and applies defaults and DEVPILOT_ overrides. An empty path
// yields defaults plus environment overrides.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	c, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// Validate checks the seeds and sizes.
func (c Config) Validate() error {
	var errs []error
	if c.Runs.ArchiveSize < 0 {
		errs = append(errs, errors.New("runs.archive_size must not be negative"))
	}
	if c.Runs.StopGrace < 0 {
		errs = append(errs, errors.New("runs.stop_grace must not be negative"))
	}
	projects := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if p.ID == "" {
			errs = append(errs, errors.New("project requires id"))
			continue
		}
		if projects[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate project %s", p.ID))
		}
		projects[p.ID] = true
		for _, s := range p.Scripts {
			if err := s.descriptor(p.ID).Validate(); err != nil {
				errs = append(errs, fmt.Errorf("project %s: %w", p.ID, err))
			}
		}
		for _, pc := range p.Profiles {
			if _, err := pc.profile(p.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, w := range c.Workspaces {
		ws := w.workspace()
		if err := ws.Validate(); err != nil {
			errs = append(errs, err)
		}
		for _, it := range w.Items {
			if len(projects) > 0 && !projects[it.Project] {
				errs = append(errs, fmt.Errorf("workspace %s references unknown project %s", w.ID, it.Project))
			}
		}
	}
	return errors.Join(errs...)
}

func (s ScriptConfig) descriptor(projectID string) process.Descriptor {
	runner := process.Runner(s.Runner)
	if runner == "" {
		runner = process.RunnerPackage
	}
	return process.Descriptor{
		ProjectID:   projectID,
		Script:      s.Name,
		Command:     s.Command,
		Runner:      runner,
		Description: s.Description,
	}
}

func (w WorkspaceSeed) workspace() store.Workspace {
	ws := store.Workspace{
		ID:        w.ID,
		Name:      w.Name,
		Settle:    store.SettlePolicy(w.Settle),
		OnFailure: store.FailurePolicy(w.OnFailure),
	}
	for _, it := range w.Items {
		mode := store.Mode(it.Mode)
		if mode == "" {
			mode = store.ModeParallel
		}
		ws.Items = append(ws.Items, store.WorkspaceItem{
			ID:        it.ID,
			ProjectID: it.Project,
			Script:    it.Script,
			Profile:   it.Profile,
			Mode:      mode,
			Order:     it.Order,
		})
	}
	return ws
}
