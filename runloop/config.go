package runloop

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/helmling/orbit/llmstream"
)

// RunOptions is the file-loadable subset of a run's configuration, for host
// processes that configure runs from disk. Tools, hooks, and output schemas
// are code-level concerns and stay on RunConfig.
type RunOptions struct {
	Name                string   `yaml:"name"`
	Description         string   `yaml:"description"`
	Background          string   `yaml:"background,omitempty"`
	SystemPrompt        string   `yaml:"system_prompt,omitempty"`
	OutputDescription   string   `yaml:"output_description,omitempty"`
	MaxRounds           int      `yaml:"max_rounds,omitempty"`
	Model               string   `yaml:"model,omitempty"`
	Provider            string   `yaml:"provider,omitempty"`
	MaxTokens           int      `yaml:"max_tokens,omitempty"`
	Temperature         *float64 `yaml:"temperature,omitempty"`
	Compaction          string   `yaml:"compaction,omitempty"`
	EnableLoopDetection *bool    `yaml:"enable_loop_detection,omitempty"`
	LoopDetectionWindow int      `yaml:"loop_detection_window,omitempty"`
	LogLevel            string   `yaml:"log_level,omitempty"`
}

// LoadRunOptions reads run options from a yaml file.
func LoadRunOptions(path string) (*RunOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run options: %w", err)
	}
	var opts RunOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("parse run options %s: %w", path, err)
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid run options %s: %w", path, err)
	}
	return &opts, nil
}

func (o *RunOptions) validate() error {
	if o.Description == "" {
		return fmt.Errorf("description is required")
	}
	if o.MaxRounds < 0 {
		return fmt.Errorf("max_rounds must not be negative")
	}
	switch Strategy(o.Compaction) {
	case "", NoCompaction, ImagePrune, SummarizeQA:
	default:
		return fmt.Errorf("unknown compaction strategy %q", o.Compaction)
	}
	if o.LogLevel != "" {
		if _, err := ParseLogLevel(o.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// RunConfig converts the options into a RunConfig ready for NewAgentLoop.
func (o *RunOptions) RunConfig() RunConfig {
	return RunConfig{
		Name:                o.Name,
		Description:         o.Description,
		Background:          o.Background,
		SystemPrompt:        o.SystemPrompt,
		OutputDescription:   o.OutputDescription,
		MaxRounds:           o.MaxRounds,
		Compaction:          Strategy(o.Compaction),
		EnableLoopDetection: o.EnableLoopDetection,
		LoopDetectionWindow: o.LoopDetectionWindow,
		Params: llmstream.Params{
			Model:       o.Model,
			Provider:    o.Provider,
			MaxTokens:   o.MaxTokens,
			Temperature: o.Temperature,
		},
	}
}

// ParseLogLevel converts a case-insensitive string to an slog.Level.
// Accepted values: "debug", "info" (or empty), "warn"/"warning", "error".
// Leading and trailing whitespace is trimmed before matching.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}
