package config

import (
	"net"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config represents the complete flux configuration.
type Config struct {
	RootDir string `yaml:"root_dir"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	AppURL  string `yaml:"app_url"`

	SecretKey    string `yaml:"secret_key"`
	APIKey       string `yaml:"api_key"`
	RootUser     string `yaml:"root_user"`
	RootPassword string `yaml:"root_password"`

	ParallelBuilds int           `yaml:"parallel_builds"`
	BuildScripts   []string      `yaml:"build_scripts"`
	BuildDir       string        `yaml:"build_dir"`
	BuildTimeout   time.Duration `yaml:"build_timeout"`
	BuildRetention time.Duration `yaml:"build_retention"`
	JanitorEvery   time.Duration `yaml:"janitor_interval"`

	// DrainTimeout bounds how long shutdown waits for running builds before
	// cancelling them. Zero waits for them to finish.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	SSHIdentityFile string `yaml:"ssh_identity_file"`
	SSHVerbose      bool   `yaml:"ssh_verbose"`

	MaxBodySize string `yaml:"max_body_size"`

	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where builds, repositories and users are stored.
type StateConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Defaults returns a Config with the stock flux settings. Paths that hang
// off root_dir are filled in by Resolve.
func Defaults() *Config {
	return &Config{
		Host:           "localhost",
		Port:           4042,
		RootUser:       "root",
		RootPassword:   "alpine",
		ParallelBuilds: 1,
		BuildScripts:   DefaultBuildScripts(),
		BuildTimeout:   time.Hour,
		JanitorEvery:   time.Hour,
		MaxBodySize:    "1MB",
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Driver: DriverSQLite,
		},
	}
}

// DefaultBuildScripts returns the platform's default build script names.
func DefaultBuildScripts() []string {
	if runtime.GOOS == "windows" {
		return []string{".flux-build.cmd"}
	}
	return []string{".flux-build.sh"}
}

// Listen returns the host:port address for the HTTP listener.
func (c *Config) Listen() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL returns the externally visible URL of the server.
func (c *Config) BaseURL() string {
	if c.AppURL != "" {
		return c.AppURL
	}
	return "http://" + c.Listen()
}

// PIDPath returns the single-instance lock file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.RootDir, "flux.pid")
}

// MaxBodyBytes returns the webhook body limit in bytes.
func (c *Config) MaxBodyBytes() int64 {
	n, err := ParseSize(c.MaxBodySize)
	if err != nil {
		return DefaultMaxBodySize
	}
	return n
}
