package v1

// SettingsKind is the only accepted value of Settings.Kind.
const SettingsKind = "Settings"

type Settings struct {
	Kind     string       `yaml:"kind" json:"kind" validate:"required,eq=Settings"`
	Metadata Metadata     `yaml:"metadata" json:"metadata"`
	Spec     SettingsSpec `yaml:"spec" json:"spec"`
}

type Metadata struct {
	Name string `yaml:"name" json:"name" validate:"required"`
}

type SettingsSpec struct {
	Providers *ProvidersSpec `yaml:"providers,omitempty" json:"providers,omitempty"`
	Workspace *WorkspaceSpec `yaml:"workspace,omitempty" json:"workspace,omitempty"`
	Plugins   []PluginSpec   `yaml:"plugins,omitempty" json:"plugins,omitempty" validate:"dive"`
	Export    *ExportSpec    `yaml:"export,omitempty" json:"export,omitempty"`
}

// ProvidersSpec overrides the built-in provider table.
type ProvidersSpec struct {
	// Priorities maps a provider id to its effective priority. Higher wins.
	Priorities map[string]int `yaml:"priorities,omitempty" json:"priorities,omitempty"`
	// Disabled lists built-in provider ids that are not registered at all.
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

type WorkspaceSpec struct {
	// Root is the directory under which temporary workspaces and backups are created.
	// Empty means the system temporary directory.
	Root string `yaml:"root,omitempty" json:"root,omitempty" template:""`
}

// PluginSpec is a named set of external command providers.
type PluginSpec struct {
	Name     string                `yaml:"name" json:"name" validate:"required"`
	Commands []CommandProviderSpec `yaml:"commands" json:"commands" validate:"required,min=1,dive"`
}

// CommandProviderSpec describes a provider backed by external programs. Each operation is an
// argv where {archive}, {entry}, {target} and {source} are substituted.
type CommandProviderSpec struct {
	ID       string   `yaml:"id" json:"id" validate:"required"`
	Formats  []string `yaml:"formats" json:"formats" validate:"required,min=1,dive,required"`
	Class    string   `yaml:"class,omitempty" json:"class,omitempty" validate:"omitempty,oneof=container compressor"`
	Priority int      `yaml:"priority,omitempty" json:"priority,omitempty"`

	List    []string `yaml:"list" json:"list" validate:"required,min=1" template:""`
	Extract []string `yaml:"extract" json:"extract" validate:"required,min=1" template:""`
	Test    []string `yaml:"test,omitempty" json:"test,omitempty" template:""`
	Add     []string `yaml:"add,omitempty" json:"add,omitempty" validate:"required_with=Delete" template:""`
	Delete  []string `yaml:"delete,omitempty" json:"delete,omitempty" validate:"required_with=Add" template:""`

	// Timeout is a Go duration string, for example "30s".
	Timeout    string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	WorkingDir string            `yaml:"working_dir,omitempty" json:"working_dir,omitempty" template:""`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty" template:""`
}

// ExportSpec configures where the push command sends archives.
type ExportSpec struct {
	S3 *S3ExportSpec `yaml:"s3,omitempty" json:"s3,omitempty"`
}

type S3ExportSpec struct {
	Bucket   string `yaml:"bucket" json:"bucket" validate:"required" template:""`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty" template:""`
	Region   string `yaml:"region,omitempty" json:"region,omitempty" template:""`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" template:""`

	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty" template:""`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty" template:""`
	SessionToken    string `yaml:"session_token,omitempty" json:"session_token,omitempty" template:""`

	ForcePathStyle bool `yaml:"force_path_style,omitempty" json:"force_path_style,omitempty"`
}
