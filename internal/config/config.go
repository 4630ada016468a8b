package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults applied when a field is omitted from the config file.
const (
	DefaultStartupDelay    = 2 * time.Second
	DefaultLegacyDuplicate = true
	DefaultQueueDepth      = 10
)

// SceneConfig holds the host settings of the scene initializer process. The
// published scene itself is fixed and cannot be configured here.
type SceneConfig struct {
	// StartupDelay is a duration string like "2s".
	StartupDelay *string `json:"startup_delay,omitempty"`
	// LegacyDuplicate emits base_link->gps_link twice, as the node this
	// replaces did.
	LegacyDuplicate *bool `json:"legacy_duplicate,omitempty"`
	QueueDepth      *int  `json:"queue_depth,omitempty"`

	// Optional surfaces; empty disables them.
	DebugListen *string `json:"debug_listen,omitempty"`
	GRPCListen  *string `json:"grpc_listen,omitempty"`
	RecordPath  *string `json:"record_path,omitempty"`
}

func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptySceneConfig returns a SceneConfig with all fields set to nil. The Get*
// methods fall back to defaults for nil fields.
func EmptySceneConfig() *SceneConfig {
	return &SceneConfig{}
}

// DefaultSceneConfig returns a SceneConfig with every field populated.
func DefaultSceneConfig() *SceneConfig {
	return &SceneConfig{
		StartupDelay:    ptrString(DefaultStartupDelay.String()),
		LegacyDuplicate: ptrBool(DefaultLegacyDuplicate),
		QueueDepth:      ptrInt(DefaultQueueDepth),
		DebugListen:     ptrString(""),
		GRPCListen:      ptrString(""),
		RecordPath:      ptrString(""),
	}
}

// LoadSceneConfig loads a SceneConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file keep their defaults, so partial configs
// are safe.
func LoadSceneConfig(path string) (*SceneConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySceneConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *SceneConfig) Validate() error {
	if c.StartupDelay != nil && *c.StartupDelay != "" {
		d, err := time.ParseDuration(*c.StartupDelay)
		if err != nil {
			return fmt.Errorf("invalid startup_delay '%s': %w", *c.StartupDelay, err)
		}
		if d < 0 {
			return fmt.Errorf("startup_delay must be non-negative, got %s", d)
		}
	}

	if c.QueueDepth != nil && *c.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", *c.QueueDepth)
	}

	return nil
}

// GetStartupDelay parses and returns the StartupDelay as a time.Duration.
func (c *SceneConfig) GetStartupDelay() time.Duration {
	if c.StartupDelay == nil || *c.StartupDelay == "" {
		return DefaultStartupDelay
	}
	d, err := time.ParseDuration(*c.StartupDelay)
	if err != nil || d < 0 {
		return DefaultStartupDelay
	}
	return d
}

// GetLegacyDuplicate returns the legacy_duplicate value or the default.
func (c *SceneConfig) GetLegacyDuplicate() bool {
	if c.LegacyDuplicate == nil {
		return DefaultLegacyDuplicate
	}
	return *c.LegacyDuplicate
}

// GetQueueDepth returns the queue_depth value or the default.
func (c *SceneConfig) GetQueueDepth() int {
	if c.QueueDepth == nil || *c.QueueDepth < 1 {
		return DefaultQueueDepth
	}
	return *c.QueueDepth
}

// GetDebugListen returns the debug HTTP listen address, empty when disabled.
func (c *SceneConfig) GetDebugListen() string {
	if c.DebugListen == nil {
		return ""
	}
	return *c.DebugListen
}

// GetGRPCListen returns the gRPC bridge listen address, empty when disabled.
func (c *SceneConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ""
	}
	return *c.GRPCListen
}

// GetRecordPath returns the SQLite recording path, empty when disabled.
func (c *SceneConfig) GetRecordPath() string {
	if c.RecordPath == nil {
		return ""
	}
	return *c.RecordPath
}
