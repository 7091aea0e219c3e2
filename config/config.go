// Package config loads the YAML file that describes a forecast run: the date range,
// the tools to invoke, the local layout and the remote store.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/humblenginr/forecast_sync/artifact"
	"github.com/humblenginr/forecast_sync/forecast"
	"github.com/humblenginr/forecast_sync/pipeline"
	"github.com/humblenginr/forecast_sync/remote"
	"github.com/humblenginr/forecast_sync/transfer"
)

const dateLayout = "2006-01-02"

// Date is a calendar day written as YYYY-MM-DD.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalYAML(value *yaml.Node) error {
	t, err := time.Parse(dateLayout, strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: date %q must be YYYY-MM-DD", value.Line, value.Value)
	}
	d.Time = t
	return nil
}

func (d Date) MarshalYAML() (any, error) {
	return d.Format(dateLayout), nil
}

type GeneratorConfig struct {
	Command           []string      `yaml:"command"`
	Input             string        `yaml:"input"`
	FailOnNonZeroExit bool          `yaml:"fail_on_nonzero_exit"`
	Retries           uint64        `yaml:"retries"`
	Timeout           time.Duration `yaml:"timeout"`
}

type PostProcessConfig struct {
	Enabled bool          `yaml:"enabled"`
	Command []string      `yaml:"command"`
	BBox    forecast.BBox `yaml:"bbox"`
}

type StabilityConfig struct {
	MinSize      int64         `yaml:"min_size"`
	Idle         time.Duration `yaml:"idle"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type TransferConfig struct {
	ChunkSize   int64  `yaml:"chunk_size"`
	MaxAttempts int    `yaml:"max_attempts"`
	WriteMode   string `yaml:"write_mode"`
}

type PathsConfig struct {
	AssetsDir  string `yaml:"assets_dir"`
	ResultsDir string `yaml:"results_dir"`
	// Ledger is the SQLite file tracking job progress; empty disables it.
	Ledger string `yaml:"ledger"`
}

type RemoteConfig struct {
	Backend      string `yaml:"backend"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	PathStyle    bool   `yaml:"path_style"`
	UseSSL       bool   `yaml:"use_ssl"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	AssetsDir    string `yaml:"assets_dir"`
	ResultsDir   string `yaml:"results_dir"`
}

// Config models the run file.
type Config struct {
	StartDate Date   `yaml:"start_date"`
	EndDate   Date   `yaml:"end_date"`
	Model     string `yaml:"model"`
	IssueTime string `yaml:"issue_time"`
	LeadTime  int    `yaml:"lead_time"`
	Mode      string `yaml:"mode"`
	Window    int    `yaml:"window"`
	Resume    bool   `yaml:"resume"`

	Generator   GeneratorConfig   `yaml:"generator"`
	PostProcess PostProcessConfig `yaml:"post_process"`
	Stability   StabilityConfig   `yaml:"stability"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Paths       PathsConfig       `yaml:"paths"`
	Remote      RemoteConfig      `yaml:"remote"`
}

// Default returns a config with every field but the date range filled in.
func Default() *Config {
	return &Config{
		Model:     forecast.DefaultModel,
		IssueTime: forecast.DefaultIssueTime,
		LeadTime:  forecast.DefaultLeadTime,
		Mode:      string(pipeline.ModeLookahead),
		Window:    pipeline.DefaultWindow,
		Generator: GeneratorConfig{
			Command:           append([]string(nil), forecast.DefaultGeneratorCommand...),
			Input:             "cds",
			FailOnNonZeroExit: true,
		},
		PostProcess: PostProcessConfig{
			Command: append([]string(nil), forecast.DefaultSubsetCommand...),
			BBox:    forecast.CONUS,
		},
		Stability: StabilityConfig{
			MinSize:      artifact.DefaultMinSize,
			Idle:         artifact.DefaultIdle,
			PollInterval: artifact.DefaultPollInterval,
			Timeout:      6 * time.Hour,
		},
		Transfer: TransferConfig{
			ChunkSize:   transfer.DefaultChunkSize,
			MaxAttempts: 5,
			WriteMode:   "overwrite",
		},
		Paths: PathsConfig{
			AssetsDir:  "/workspace/assets",
			ResultsDir: "/workspace/results",
		},
		Remote: RemoteConfig{
			Backend:      remote.BackendS3,
			Region:       "us-east-1",
			AccessKeyEnv: "AWS_ACCESS_KEY_ID",
			SecretKeyEnv: "AWS_SECRET_ACCESS_KEY",
			AssetsDir:    "/run_panguweather/assets",
			ResultsDir:   "/panguweather_results",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch {
	case c.StartDate.IsZero() || c.EndDate.IsZero():
		add("start_date and end_date are required")
	case c.EndDate.Before(c.StartDate.Time):
		add("end_date %s is before start_date %s", c.EndDate.Format(dateLayout), c.StartDate.Format(dateLayout))
	}
	if c.Model == "" {
		add("model is required")
	}
	if !forecast.ValidIssueTime(c.IssueTime) {
		add("issue_time %q must be HHMM", c.IssueTime)
	}
	if c.LeadTime <= 0 {
		add("lead_time must be positive, got %d", c.LeadTime)
	}
	switch pipeline.Mode(c.Mode) {
	case pipeline.ModeLookahead, pipeline.ModeWorker:
	default:
		add("mode %q must be %q or %q", c.Mode, pipeline.ModeLookahead, pipeline.ModeWorker)
	}
	if c.Window < 1 {
		add("window must be at least 1, got %d", c.Window)
	}

	if len(c.Generator.Command) == 0 {
		add("generator.command is required")
	}
	if c.PostProcess.Enabled {
		if len(c.PostProcess.Command) == 0 {
			add("post_process.command is required when post_process is enabled")
		}
		if err := c.PostProcess.BBox.Validate(); err != nil {
			add("post_process.%w", err)
		}
	}

	if c.Stability.MinSize < 0 {
		add("stability.min_size must not be negative")
	}
	if c.Stability.Idle < 0 || c.Stability.PollInterval <= 0 || c.Stability.Timeout < 0 {
		add("stability durations must be positive")
	}

	if c.Transfer.ChunkSize <= 0 {
		add("transfer.chunk_size must be positive")
	}
	if c.Transfer.MaxAttempts < 0 {
		add("transfer.max_attempts must not be negative")
	}
	if _, err := parseWriteMode(c.Transfer.WriteMode); err != nil {
		add("transfer.%w", err)
	}

	if c.Paths.ResultsDir == "" || c.Paths.AssetsDir == "" {
		add("paths.assets_dir and paths.results_dir are required")
	}

	switch c.Remote.Backend {
	case remote.BackendS3, remote.BackendMinio:
		if c.Remote.Bucket == "" {
			add("remote.bucket is required for the %s backend", c.Remote.Backend)
		}
	case remote.BackendMemory:
	default:
		add("remote.backend %q is not one of s3, minio, memory", c.Remote.Backend)
	}
	if c.Remote.Backend == remote.BackendMinio && c.Remote.Endpoint == "" {
		add("remote.endpoint is required for the minio backend")
	}
	if c.Remote.ResultsDir == "" {
		add("remote.results_dir is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Jobs lists one job per day of the configured range.
func (c *Config) Jobs() []forecast.Job {
	return forecast.Jobs(c.StartDate.Time, c.EndDate.Time, forecast.Job{
		IssueTime: c.IssueTime,
		LeadTime:  c.LeadTime,
		Model:     c.Model,
	})
}

func (c *Config) RemoteOptions() remote.Options {
	return remote.Options{
		Backend:      c.Remote.Backend,
		Bucket:       c.Remote.Bucket,
		Region:       c.Remote.Region,
		Endpoint:     c.Remote.Endpoint,
		PathStyle:    c.Remote.PathStyle,
		UseSSL:       c.Remote.UseSSL,
		AccessKeyEnv: c.Remote.AccessKeyEnv,
		SecretKeyEnv: c.Remote.SecretKeyEnv,
	}
}

func (c *Config) Detector() artifact.Detector {
	return artifact.Detector{MinSize: c.Stability.MinSize, Idle: c.Stability.Idle}
}

func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Mode:             pipeline.Mode(c.Mode),
		Window:           c.Window,
		RemoteDir:        c.Remote.ResultsDir,
		Stability:        c.Detector(),
		PollInterval:     c.Stability.PollInterval,
		StabilityTimeout: c.Stability.Timeout,
		MaxAttempts:      c.Transfer.MaxAttempts,
		GenerateRetries:  c.Generator.Retries,
		GenerateTimeout:  c.Generator.Timeout,
		Resume:           c.Resume,
	}
}

func (c *Config) EngineOptions(logger *slog.Logger) []transfer.EngineOption {
	mode, _ := parseWriteMode(c.Transfer.WriteMode)
	return []transfer.EngineOption{
		transfer.WithChunkSize(c.Transfer.ChunkSize),
		transfer.WithWriteMode(mode),
		transfer.WithLogger(logger),
	}
}

func (c *Config) NewGenerator(logger *slog.Logger) *forecast.Generator {
	return &forecast.Generator{
		Command:           c.Generator.Command,
		AssetsDir:         c.Paths.AssetsDir,
		ResultsDir:        c.Paths.ResultsDir,
		Input:             c.Generator.Input,
		FailOnNonZeroExit: c.Generator.FailOnNonZeroExit,
		Logger:            logger,
	}
}

// NewSubsetter returns nil when post-processing is disabled.
func (c *Config) NewSubsetter(logger *slog.Logger) *forecast.Subsetter {
	if !c.PostProcess.Enabled {
		return nil
	}
	return &forecast.Subsetter{Command: c.PostProcess.Command, BBox: c.PostProcess.BBox, Logger: logger}
}

func parseWriteMode(s string) (remote.WriteMode, error) {
	switch strings.ToLower(s) {
	case "", "overwrite":
		return remote.Overwrite, nil
	case "add":
		return remote.Add, nil
	}
	return remote.Overwrite, fmt.Errorf("write_mode %q must be overwrite or add", s)
}
