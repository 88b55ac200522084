package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const DefaultPolicyPath = ".agentboard/policy.json"

type Config struct {
	Version      int    `json:"version"`
	Project      string `json:"project"`
	ControlPlane struct {
		BaseURL        string `json:"base_url"`
		RepoIdentifier string `json:"repo_identifier"`
		BaseBranch     string `json:"base_branch"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	} `json:"control_plane"`
	Board struct {
		TodoColumn       string `json:"todo_column"`
		InProgressColumn string `json:"in_progress_column"`
		ReadyForQAColumn string `json:"ready_for_qa_column"`
		DoneColumn       string `json:"done_column"`
	} `json:"board"`
	Cache struct {
		RedisURL string `json:"redis_url"`
		Stream   string `json:"stream"`
		Group    string `json:"group"`
		Consumer string `json:"consumer"`
	} `json:"cache"`
	Intervals struct {
		PollSeconds          int `json:"poll_seconds"`
		RollbackDelaySeconds int `json:"rollback_delay_seconds"`
		PushFreshnessSeconds int `json:"push_freshness_seconds"`
		SafetySeconds        int `json:"safety_seconds"`
		FallbackSeconds      int `json:"fallback_seconds"`
		StalenessSeconds     int `json:"staleness_seconds"`
		FlushDebounceSeconds int `json:"flush_debounce_seconds"`
		BannerSeconds        int `json:"banner_seconds"`
	} `json:"intervals"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
		Project: "default",
	}
	cfg.ControlPlane.BaseURL = "http://127.0.0.1:8700"
	cfg.ControlPlane.RepoIdentifier = ""
	cfg.ControlPlane.BaseBranch = "main"
	cfg.ControlPlane.TimeoutSeconds = 30
	cfg.Board.TodoColumn = "col-todo"
	cfg.Board.InProgressColumn = "col-in-progress"
	cfg.Board.ReadyForQAColumn = "col-ready-for-qa"
	cfg.Board.DoneColumn = "col-done"
	cfg.Cache.RedisURL = "redis://127.0.0.1:6379/0"
	cfg.Cache.Stream = "agentboard-board-events"
	cfg.Cache.Group = "agentboard"
	cfg.Cache.Consumer = "agentboard-client"
	cfg.Intervals.PollSeconds = 4
	cfg.Intervals.RollbackDelaySeconds = 10
	cfg.Intervals.PushFreshnessSeconds = 5
	cfg.Intervals.SafetySeconds = 15
	cfg.Intervals.FallbackSeconds = 5
	cfg.Intervals.StalenessSeconds = 20
	cfg.Intervals.FlushDebounceSeconds = 2
	cfg.Intervals.BannerSeconds = 8
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Project) == "" {
		return fmt.Errorf("project cannot be empty")
	}
	if strings.TrimSpace(cfg.ControlPlane.BaseURL) == "" {
		return fmt.Errorf("control_plane.base_url cannot be empty")
	}
	if strings.TrimSpace(cfg.ControlPlane.BaseBranch) == "" {
		return fmt.Errorf("control_plane.base_branch cannot be empty")
	}
	columns := []string{
		cfg.Board.TodoColumn,
		cfg.Board.InProgressColumn,
		cfg.Board.ReadyForQAColumn,
		cfg.Board.DoneColumn,
	}
	seen := map[string]bool{}
	for _, column := range columns {
		column = strings.TrimSpace(column)
		if column == "" {
			return fmt.Errorf("board columns cannot be empty")
		}
		if seen[column] {
			return fmt.Errorf("board column %q is duplicated", column)
		}
		seen[column] = true
	}
	iv := cfg.Intervals
	for name, value := range map[string]int{
		"poll_seconds":           iv.PollSeconds,
		"rollback_delay_seconds": iv.RollbackDelaySeconds,
		"push_freshness_seconds": iv.PushFreshnessSeconds,
		"safety_seconds":         iv.SafetySeconds,
		"fallback_seconds":       iv.FallbackSeconds,
		"staleness_seconds":      iv.StalenessSeconds,
		"flush_debounce_seconds": iv.FlushDebounceSeconds,
		"banner_seconds":         iv.BannerSeconds,
	} {
		if value <= 0 {
			return fmt.Errorf("intervals.%s must be > 0", name)
		}
	}
	if iv.RollbackDelaySeconds <= iv.PushFreshnessSeconds {
		return fmt.Errorf("rollback_delay_seconds must be > push_freshness_seconds")
	}
	if iv.StalenessSeconds < iv.PollSeconds {
		return fmt.Errorf("staleness_seconds must be >= poll_seconds")
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Intervals.PollSeconds) * time.Second
}

func (c Config) RollbackDelay() time.Duration {
	return time.Duration(c.Intervals.RollbackDelaySeconds) * time.Second
}

func (c Config) PushFreshness() time.Duration {
	return time.Duration(c.Intervals.PushFreshnessSeconds) * time.Second
}

func (c Config) SafetyInterval() time.Duration {
	return time.Duration(c.Intervals.SafetySeconds) * time.Second
}

func (c Config) FallbackInterval() time.Duration {
	return time.Duration(c.Intervals.FallbackSeconds) * time.Second
}

func (c Config) StalenessWindow() time.Duration {
	return time.Duration(c.Intervals.StalenessSeconds) * time.Second
}

func (c Config) FlushDebounce() time.Duration {
	return time.Duration(c.Intervals.FlushDebounceSeconds) * time.Second
}

func (c Config) BannerTTL() time.Duration {
	return time.Duration(c.Intervals.BannerSeconds) * time.Second
}

func (c Config) ControlPlaneTimeout() time.Duration {
	if c.ControlPlane.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ControlPlane.TimeoutSeconds) * time.Second
}
