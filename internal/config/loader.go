package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. An empty path yields the
// defaults, still subject to FLUX_* environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, "flux.yaml")
		}

		if err := verifyConfigHash(absPath); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
		}
		if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
		}
		cfg.SourcePath = absPath
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Discover returns the first config file found in the standard locations:
// $FLUX_CONFIG, ./flux.yaml, ~/.config/flux/flux.yaml. It returns "" when
// none exists.
func Discover() string {
	var candidates []string
	if p := os.Getenv("FLUX_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	candidates = append(candidates, "flux.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "flux", "flux.yaml"))
	}

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv("FLUX_ROOT"); ok && v != "" {
		cfg.RootDir = v
	}
	if v, ok := os.LookupEnv("FLUX_HOST"); ok && v != "" {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv("FLUX_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLUX_PORT must be an integer (got %q)", v)
		}
		cfg.Port = port
	}
	if v, ok := os.LookupEnv("FLUX_APP_URL"); ok && v != "" {
		cfg.AppURL = v
	}
	if v, ok := os.LookupEnv("FLUX_SECRET_KEY"); ok && v != "" {
		cfg.SecretKey = v
	}
	return nil
}

// resolvePaths anchors relative paths at root_dir and derives the build
// directory and database location when unset.
func resolvePaths(cfg *Config) error {
	if cfg.RootDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		cfg.RootDir = wd
	}
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return fmt.Errorf("failed to resolve root_dir %q: %w", cfg.RootDir, err)
	}
	cfg.RootDir = root

	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}

	if cfg.BuildDir == "" {
		cfg.BuildDir = filepath.Join(root, "builds")
	}
	cfg.BuildDir = anchor(cfg.BuildDir)

	if cfg.State.Driver == "" {
		cfg.State.Driver = DriverSQLite
	}
	if cfg.State.Driver == DriverSQLite && cfg.State.Path == "" {
		cfg.State.Path = filepath.Join(root, "flux.db")
	}
	cfg.State.Path = anchor(cfg.State.Path)

	if cfg.SSHIdentityFile != "" && strings.HasPrefix(cfg.SSHIdentityFile, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.SSHIdentityFile = filepath.Join(home, cfg.SSHIdentityFile[2:])
		}
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (got %d)", cfg.Port)
	}
	if cfg.ParallelBuilds < 1 {
		return fmt.Errorf("parallel_builds must be at least 1 (got %d)", cfg.ParallelBuilds)
	}
	if cfg.BuildTimeout < 0 {
		return fmt.Errorf("build_timeout must not be negative")
	}
	if cfg.BuildRetention < 0 {
		return fmt.Errorf("build_retention must not be negative")
	}
	if cfg.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout must not be negative")
	}
	if len(cfg.BuildScripts) == 0 {
		return fmt.Errorf("build_scripts must list at least one script name")
	}
	for i, name := range cfg.BuildScripts {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("build_scripts[%d] must be a bare file name (got %q)", i, name)
		}
	}
	if _, err := ParseSize(cfg.MaxBodySize); err != nil {
		return fmt.Errorf("max_body_size: %w", err)
	}

	switch cfg.State.Driver {
	case DriverSQLite:
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("state.driver must be sqlite or postgres (got %q)", cfg.State.Driver)
	}

	for field, value := range map[string]string{
		"secret_key":    cfg.SecretKey,
		"api_key":       cfg.APIKey,
		"root_password": cfg.RootPassword,
		"state.dsn":     cfg.State.DSN,
	} {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
		}
	}

	return nil
}
