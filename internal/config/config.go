// Package config loads settings from defaults, an optional YAML file,
// SHELLCLOUD_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/talgya/shellcloud/internal/layout"
	"github.com/talgya/shellcloud/internal/params"
	"github.com/talgya/shellcloud/internal/session"
	"github.com/talgya/shellcloud/internal/solver"
)

// EnvPrefix is prepended to every environment key, e.g. SHELLCLOUD_LAYERS.
const EnvPrefix = "SHELLCLOUD"

// AdminKeyEnv holds the bearer token for parameter edits. It is never read
// from files or flags.
const AdminKeyEnv = EnvPrefix + "_ADMIN_KEY"

var ErrInvalid = errors.New("config: invalid setting")

// Config drives cmd/shellsim.
type Config struct {
	Addr     string `mapstructure:"addr"`
	DBPath   string `mapstructure:"db_path"`
	AdminKey string `mapstructure:"-"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Solver       string `mapstructure:"solver"`
	SolverPoints int    `mapstructure:"solver_points"`
	CacheKeep    int    `mapstructure:"cache_keep"`

	Layers          int     `mapstructure:"layers"`
	Polar           int     `mapstructure:"polar"`
	Azimuth         int     `mapstructure:"azimuth"`
	PointSize       float64 `mapstructure:"point_size"`
	DitherAmplitude float64 `mapstructure:"dither_amplitude"`
	DitherSeed      int64   `mapstructure:"dither_seed"`

	ZetaMin  float64 `mapstructure:"zeta_min"`
	ZetaMax  float64 `mapstructure:"zeta_max"`
	ZetaStep float64 `mapstructure:"zeta_step"`
	NMax     int     `mapstructure:"n_max"`

	Zeta float64 `mapstructure:"zeta"`
	N    int     `mapstructure:"n"`
	L    int     `mapstructure:"l"`

	RateLimit        int           `mapstructure:"rate_limit"`
	RateWindow       time.Duration `mapstructure:"rate_window"`
	MaxStreamClients int           `mapstructure:"max_stream_clients"`
	HistoryLimit     int           `mapstructure:"history_limit"`
}

func setDefaults(v *viper.Viper) {
	lim := params.DefaultLimits()
	opts := session.DefaultOptions()
	p := params.Default()

	v.SetDefault("addr", ":8080")
	v.SetDefault("db_path", "data/shellcloud.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "auto")
	v.SetDefault("solver", "analytic")
	v.SetDefault("solver_points", 0)
	v.SetDefault("cache_keep", 500)
	v.SetDefault("layers", opts.Layers)
	v.SetDefault("polar", opts.Grid.Polar)
	v.SetDefault("azimuth", opts.Grid.Azimuth)
	v.SetDefault("point_size", float64(opts.PointSize))
	v.SetDefault("dither_amplitude", 0.0)
	v.SetDefault("dither_seed", int64(42))
	v.SetDefault("zeta_min", lim.ZetaMin)
	v.SetDefault("zeta_max", lim.ZetaMax)
	v.SetDefault("zeta_step", lim.ZetaStep)
	v.SetDefault("n_max", lim.NMax)
	v.SetDefault("zeta", p.Zeta)
	v.SetDefault("n", p.N)
	v.SetDefault("l", p.L)
	v.SetDefault("rate_limit", 600)
	v.SetDefault("rate_window", time.Minute)
	v.SetDefault("max_stream_clients", 50)
	v.SetDefault("history_limit", 50)
}

func serverFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("shellsim", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("addr", "", "HTTP listen address")
	fs.String("db-path", "", "SQLite database path")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("log-format", "", "text, json or auto")
	fs.String("solver", "", "radial solver: analytic or fdm")
	fs.Int("solver-points", 0, "solver grid size (0 = solver default)")
	fs.Int("layers", 0, "number of shells")
	fs.Int("polar", 0, "polar steps per shell")
	fs.Int("azimuth", 0, "azimuth steps per shell")
	fs.Float64("point-size", 0, "rendered point size")
	fs.Float64("dither", 0, "radial dither amplitude in [0,1)")
	fs.Int("n-max", 0, "largest principal index")
	fs.Float64("zeta", 0, "initial charge")
	fs.Int("n", 0, "initial principal index")
	fs.Int("l", 0, "initial angular index")
	return fs
}

// Load parses args (without the program name) and returns a validated Config.
func Load(args []string) (Config, error) {
	fs := serverFlags()
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := newViper()
	setDefaults(v)
	if err := bindFlags(v, fs, map[string]string{"dither": "dither_amplitude"}); err != nil {
		return Config{}, err
	}
	if err := readFile(v, fs); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// Secrets come from the environment only.
	cfg.AdminKey = os.Getenv(AdminKeyEnv)

	return cfg, cfg.Validate()
}

// Validate checks ranges that would otherwise surface as pipeline errors.
func (c Config) Validate() error {
	if solver.New(c.Solver, c.SolverPoints) == nil {
		return fmt.Errorf("%w: unknown solver %q", ErrInvalid, c.Solver)
	}
	if c.SolverPoints < 0 {
		return fmt.Errorf("%w: solver_points must be >= 0, got %d", ErrInvalid, c.SolverPoints)
	}
	if err := c.Options().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Limits().Validate(c.Initial()); err != nil {
		return fmt.Errorf("%w: initial parameters: %w", ErrInvalid, err)
	}
	if c.RateLimit < 1 || c.RateWindow <= 0 {
		return fmt.Errorf("%w: rate_limit and rate_window must be positive", ErrInvalid)
	}
	if c.MaxStreamClients < 1 {
		return fmt.Errorf("%w: max_stream_clients must be >= 1", ErrInvalid)
	}
	if c.HistoryLimit < 1 || c.CacheKeep < 0 {
		return fmt.Errorf("%w: history_limit must be >= 1 and cache_keep >= 0", ErrInvalid)
	}
	return nil
}

// Limits returns the parameter bounds.
func (c Config) Limits() params.Limits {
	return params.Limits{
		ZetaMin:  c.ZetaMin,
		ZetaMax:  c.ZetaMax,
		ZetaStep: c.ZetaStep,
		NMax:     c.NMax,
	}
}

// Options returns the session geometry.
func (c Config) Options() session.Options {
	return session.Options{
		Layers:          c.Layers,
		Grid:            layout.Grid{Polar: c.Polar, Azimuth: c.Azimuth},
		PointSize:       float32(c.PointSize),
		Limits:          c.Limits(),
		DitherAmplitude: c.DitherAmplitude,
		DitherSeed:      c.DitherSeed,
	}
}

// Initial returns the parameters to start from when none were saved.
func (c Config) Initial() params.Params {
	return params.Params{Zeta: c.Zeta, N: c.N, L: c.L}
}

// Viewer drives cmd/shellview.
type Viewer struct {
	APIURL   string        `mapstructure:"api_url"`
	AdminKey string        `mapstructure:"-"`
	LogFile  string        `mapstructure:"log_file"`
	LogLevel string        `mapstructure:"log_level"`
	Refresh  time.Duration `mapstructure:"refresh"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LoadViewer parses args for the terminal viewer.
func LoadViewer(args []string) (Viewer, error) {
	fs := pflag.NewFlagSet("shellview", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("api-url", "", "shellsim base URL")
	fs.String("log-file", "", "log destination (stdout belongs to the UI)")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.Duration("refresh", 0, "status poll interval")
	fs.Duration("timeout", 0, "HTTP request timeout")
	if err := fs.Parse(args); err != nil {
		return Viewer{}, err
	}

	v := newViper()
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("log_file", "shellview.log")
	v.SetDefault("log_level", "info")
	v.SetDefault("refresh", 2*time.Second)
	v.SetDefault("timeout", 30*time.Second)
	if err := bindFlags(v, fs, nil); err != nil {
		return Viewer{}, err
	}
	if err := readFile(v, fs); err != nil {
		return Viewer{}, err
	}

	var cfg Viewer
	if err := v.Unmarshal(&cfg); err != nil {
		return Viewer{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AdminKey = os.Getenv(AdminKeyEnv)
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if cfg.APIURL == "" {
		return Viewer{}, fmt.Errorf("%w: api_url is required", ErrInvalid)
	}
	if cfg.Refresh <= 0 || cfg.Timeout <= 0 {
		return Viewer{}, fmt.Errorf("%w: refresh and timeout must be positive", ErrInvalid)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// bindFlags maps each flag onto its snake_case key. Only flags set on the
// command line override lower layers.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, rename map[string]string) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if r, ok := rename[f.Name]; ok {
			key = r
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

func readFile(v *viper.Viper, fs *pflag.FlagSet) error {
	path, _ := fs.GetString("config")
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}
