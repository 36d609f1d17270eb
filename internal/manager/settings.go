package manager

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	v1 "github.com/infracollect/archivist/apis/v1"
	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/engine/providers"
	"github.com/infracollect/archivist/internal/export"
)

var (
	defaultValidator = validator.New(validator.WithRequiredStructEnabled())
)

// DefaultSettings is used when no settings file is given.
func DefaultSettings() v1.Settings {
	return v1.Settings{
		Kind:     v1.SettingsKind,
		Metadata: v1.Metadata{Name: "default"},
	}
}

// ParseSettings parses a YAML or JSON settings file and validates it.
func ParseSettings(data []byte) (v1.Settings, error) {
	var settings v1.Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return v1.Settings{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := defaultValidator.Struct(settings); err != nil {
		return v1.Settings{}, fmt.Errorf("failed to validate settings: %w", err)
	}

	if err := checkProviderIDs(settings); err != nil {
		return v1.Settings{}, err
	}

	return settings, nil
}

func checkProviderIDs(settings v1.Settings) error {
	seen := map[string]string{}
	plugins := map[string]bool{}
	var errs error
	for _, plugin := range settings.Spec.Plugins {
		if plugins[plugin.Name] {
			errs = errors.Join(errs, fmt.Errorf("plugin %q is declared twice", plugin.Name))
		}
		plugins[plugin.Name] = true

		for _, cmd := range plugin.Commands {
			if owner, ok := seen[cmd.ID]; ok {
				errs = errors.Join(errs, fmt.Errorf("provider %q of plugin %q is already declared by plugin %q", cmd.ID, plugin.Name, owner))
				continue
			}
			seen[cmd.ID] = plugin.Name
		}
	}
	return errs
}

// BuildVariables returns the variables available to ${VAR} references in a settings file:
// SETTINGS_NAME, TEMP_DIR and the allowed environment variables.
func BuildVariables(settings v1.Settings, allowedEnv []string) (map[string]string, error) {
	variables := map[string]string{
		"SETTINGS_NAME": settings.Metadata.Name,
		"TEMP_DIR":      os.TempDir(),
	}

	var errs error
	for _, envName := range allowedEnv {
		val, ok := os.LookupEnv(envName)
		if !ok {
			errs = errors.Join(errs, fmt.Errorf("environment variable %q is not set", envName))
			continue
		}
		variables[envName] = val
	}

	if errs != nil {
		return nil, errs
	}

	return variables, nil
}

// ExpandSettings resolves the ${VAR} references of settings in place.
func ExpandSettings(settings *v1.Settings, allowedEnv []string) error {
	variables, err := BuildVariables(*settings, allowedEnv)
	if err != nil {
		return fmt.Errorf("failed to build variables: %w", err)
	}
	if err := ExpandTemplates(settings, variables); err != nil {
		return fmt.Errorf("failed to expand settings: %w", err)
	}
	return nil
}

// BuildPlugin turns a plugin declaration into command providers.
func BuildPlugin(spec v1.PluginSpec, logger *zap.Logger) (engine.Plugin, error) {
	plugin := engine.Plugin{Name: spec.Name}
	for _, cmd := range spec.Commands {
		cfg, err := commandConfig(cmd)
		if err != nil {
			return engine.Plugin{}, fmt.Errorf("failed to configure provider %q of plugin %q: %w", cmd.ID, spec.Name, err)
		}
		provider, err := providers.NewCommand(cfg, logger)
		if err != nil {
			return engine.Plugin{}, fmt.Errorf("failed to create provider %q of plugin %q: %w", cmd.ID, spec.Name, err)
		}
		plugin.Providers = append(plugin.Providers, provider)
	}
	return plugin, nil
}

func commandConfig(spec v1.CommandProviderSpec) (providers.CommandConfig, error) {
	cfg := providers.CommandConfig{
		ID:         spec.ID,
		Formats:    spec.Formats,
		Class:      engine.FormatClass(spec.Class),
		Priority:   spec.Priority,
		List:       spec.List,
		Extract:    spec.Extract,
		Test:       spec.Test,
		Add:        spec.Add,
		Delete:     spec.Delete,
		WorkingDir: spec.WorkingDir,
		Env:        spec.Env,
	}
	if spec.Timeout != "" {
		timeout, err := time.ParseDuration(spec.Timeout)
		if err != nil {
			return providers.CommandConfig{}, fmt.Errorf("invalid timeout %q: %w", spec.Timeout, err)
		}
		cfg.Timeout = timeout
	}
	return cfg, nil
}

// S3Config converts the S3 export settings.
func S3Config(spec *v1.S3ExportSpec) export.S3Config {
	return export.S3Config{
		Bucket:          spec.Bucket,
		Region:          spec.Region,
		Endpoint:        spec.Endpoint,
		Prefix:          spec.Prefix,
		AccessKeyID:     spec.AccessKeyID,
		SecretAccessKey: spec.SecretAccessKey,
		SessionToken:    spec.SessionToken,
		ForcePathStyle:  spec.ForcePathStyle,
	}
}
