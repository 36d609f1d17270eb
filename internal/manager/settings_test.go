package manager

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/infracollect/archivist/apis/v1"
	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/engine/providers"
)

const fullSettings = `
kind: Settings
metadata:
  name: workstation
spec:
  providers:
    priorities:
      zip: 50
    disabled: [zstd]
  workspace:
    root: ${TEMP_DIR}/archivist
  plugins:
    - name: seven
      commands:
        - id: 7z
          formats: [7z]
          priority: 20
          list: [7z-json, list, "{archive}"]
          extract: [7z-json, extract, "{archive}", "{entry}", "{target}"]
          add: [7z-json, add, "{archive}", "{source}", "{entry}"]
          delete: [7z-json, delete, "{archive}", "{entry}"]
          timeout: 30s
          env:
            SEVEN_HOME: ${SEVEN_HOME}
  export:
    s3:
      bucket: backups
      prefix: ${SETTINGS_NAME}/
      region: eu-west-1
      force_path_style: true
`

func TestParseSettings(t *testing.T) {
	settings, err := ParseSettings([]byte(fullSettings))
	require.NoError(t, err)

	assert.Equal(t, "workstation", settings.Metadata.Name)
	require.NotNil(t, settings.Spec.Providers)
	assert.Equal(t, map[string]int{"zip": 50}, settings.Spec.Providers.Priorities)
	assert.Equal(t, []string{"zstd"}, settings.Spec.Providers.Disabled)
	require.Len(t, settings.Spec.Plugins, 1)
	assert.Equal(t, "7z", settings.Spec.Plugins[0].Commands[0].ID)
	require.NotNil(t, settings.Spec.Export)
	assert.True(t, settings.Spec.Export.S3.ForcePathStyle)
}

func TestParseSettings_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		validator bool
		contains  string
	}{
		{
			name:     "malformed yaml",
			data:     "kind: [",
			contains: "failed to unmarshal settings",
		},
		{
			name:      "wrong kind",
			data:      "kind: CollectJob\nmetadata:\n  name: x\n",
			validator: true,
		},
		{
			name:      "missing name",
			data:      "kind: Settings\n",
			validator: true,
		},
		{
			name: "command without extract",
			data: `kind: Settings
metadata: {name: x}
spec:
  plugins:
    - name: p
      commands:
        - id: c
          formats: [c]
          list: [lister]
`,
			validator: true,
		},
		{
			name: "add without delete",
			data: `kind: Settings
metadata: {name: x}
spec:
  plugins:
    - name: p
      commands:
        - id: c
          formats: [c]
          list: [lister]
          extract: [extractor]
          add: [adder]
`,
			validator: true,
		},
		{
			name: "unknown class",
			data: `kind: Settings
metadata: {name: x}
spec:
  plugins:
    - name: p
      commands:
        - id: c
          formats: [c]
          class: stream
          list: [lister]
          extract: [extractor]
`,
			validator: true,
		},
		{
			name: "duplicate provider id",
			data: `kind: Settings
metadata: {name: x}
spec:
  plugins:
    - name: p
      commands:
        - {id: c, formats: [c], list: [l], extract: [e]}
    - name: q
      commands:
        - {id: c, formats: [d], list: [l], extract: [e]}
`,
			contains: `provider "c" of plugin "q" is already declared by plugin "p"`,
		},
		{
			name: "s3 without bucket",
			data: `kind: Settings
metadata: {name: x}
spec:
  export:
    s3:
      region: eu-west-1
`,
			validator: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSettings([]byte(tt.data))
			require.Error(t, err)
			if tt.validator {
				var validationErrs validator.ValidationErrors
				assert.ErrorAs(t, err, &validationErrs)
			}
			if tt.contains != "" {
				assert.ErrorContains(t, err, tt.contains)
			}
		})
	}
}

func TestExpandSettings(t *testing.T) {
	settings, err := ParseSettings([]byte(fullSettings))
	require.NoError(t, err)

	err = ExpandSettings(&settings, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, `variable "SEVEN_HOME" is not in the allowed list`)

	err = ExpandSettings(&settings, []string{"SEVEN_HOME"})
	require.ErrorContains(t, err, `environment variable "SEVEN_HOME" is not set`)

	t.Setenv("SEVEN_HOME", "/opt/7z")
	settings, err = ParseSettings([]byte(fullSettings))
	require.NoError(t, err)
	require.NoError(t, ExpandSettings(&settings, []string{"SEVEN_HOME"}))

	assert.Equal(t, map[string]string{"SEVEN_HOME": "/opt/7z"}, settings.Spec.Plugins[0].Commands[0].Env)
	assert.Equal(t, "workstation/", settings.Spec.Export.S3.Prefix)
	assert.NotContains(t, settings.Spec.Workspace.Root, "$")
	assert.Equal(t, "{archive}", settings.Spec.Plugins[0].Commands[0].List[2])
}

func TestExpandTemplates(t *testing.T) {
	type inner struct {
		Path string `template:""`
	}
	type sample struct {
		Name    string            `template:""`
		Raw     string            `template:"-"`
		Plain   string
		Ptr     *string           `template:""`
		Args    []string          `template:""`
		Headers map[string]string `template:""`
		Labels  map[string]string
		Inner   inner
		Items   []*inner
		hidden  string
	}

	ptr := "${HOST}"
	in := sample{
		Name:    "${NAME}",
		Raw:     "${NAME}",
		Plain:   "${NAME}",
		Ptr:     &ptr,
		Args:    []string{"--host", "${HOST}"},
		Headers: map[string]string{"X-Name": "${NAME}"},
		Labels:  map[string]string{"x": "${NAME}"},
		Inner:   inner{Path: "${NAME}/data"},
		Items:   []*inner{{Path: "$HOST"}, nil},
		hidden:  "${NAME}",
	}
	require.NoError(t, ExpandTemplates(&in, map[string]string{"NAME": "n", "HOST": "h"}))

	assert.Equal(t, "n", in.Name)
	assert.Equal(t, "${NAME}", in.Raw)
	assert.Equal(t, "${NAME}", in.Plain)
	assert.Equal(t, "h", *in.Ptr)
	assert.Equal(t, []string{"--host", "h"}, in.Args)
	assert.Equal(t, map[string]string{"X-Name": "n"}, in.Headers)
	assert.Equal(t, map[string]string{"x": "${NAME}"}, in.Labels)
	assert.Equal(t, "n/data", in.Inner.Path)
	assert.Equal(t, "h", in.Items[0].Path)
	assert.Equal(t, "${NAME}", in.hidden)

	err := ExpandTemplates(&in, map[string]string{})
	assert.NoError(t, err, "nothing left to expand")

	bad := inner{Path: "${A}/${B}"}
	err = ExpandTemplates(&bad, map[string]string{})
	require.Error(t, err)
	assert.ErrorContains(t, err, `"A"`)
	assert.ErrorContains(t, err, `"B"`)
}

func TestManager_ApplySettings(t *testing.T) {
	t.Setenv("SEVEN_HOME", "/opt/7z")
	settings, err := ParseSettings([]byte(fullSettings))
	require.NoError(t, err)
	require.NoError(t, ExpandSettings(&settings, []string{"SEVEN_HOME"}))
	settings.Spec.Workspace.Root = filepath.Join(t.TempDir(), "work")

	m, err := New(Options{Settings: settings})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	registry := m.Registry()
	_, ok := registry.ResolveRead("x.zst")
	assert.False(t, ok, "zstd is disabled")

	priority, ok := registry.Priority(providers.ZipProviderID)
	require.True(t, ok)
	assert.Equal(t, 50, priority)

	w, ok := registry.ResolveWrite("backup.7z")
	require.True(t, ok)
	assert.Equal(t, "7z", w.Descriptor().ID)
	assert.Equal(t, []string{"seven"}, m.Plugins())
	assert.Equal(t, settings.Spec.Workspace.Root, m.Workspace().Root())

	// reload without plugins and with zstd enabled again
	reloaded := DefaultSettings()
	require.NoError(t, m.ApplySettings(reloaded))

	_, ok = registry.ResolveRead("x.zst")
	assert.True(t, ok)
	r, ok := registry.ResolveRead("backup.7z")
	require.True(t, ok)
	assert.Equal(t, providers.SevenZipProviderID, r.Descriptor().ID, "the plugin is gone, the read-only built-in remains")
	_, ok = registry.ResolveWrite("backup.7z")
	assert.False(t, ok)
	assert.Empty(t, m.Plugins())

	priority, ok = registry.Priority(providers.ZipProviderID)
	require.True(t, ok)
	assert.Equal(t, 10, priority)
}

func TestManager_ApplySettingsKeepsStateOnError(t *testing.T) {
	m, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	bad := DefaultSettings()
	bad.Spec.Providers = &v1.ProvidersSpec{Disabled: []string{providers.ZipProviderID}}
	bad.Spec.Plugins = []v1.PluginSpec{{
		Name:     "broken",
		Commands: []v1.CommandProviderSpec{{ID: "c", Formats: []string{"c"}, List: []string{"l"}, Extract: []string{"e"}, Timeout: "soon"}},
	}}
	require.ErrorContains(t, m.ApplySettings(bad), `invalid timeout "soon"`)

	_, ok := m.Registry().ResolveRead("a.zip")
	assert.True(t, ok)
	assert.Equal(t, "default", m.Settings().Metadata.Name)
}

func TestManager_Plugins(t *testing.T) {
	m, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)

	provider, err := providers.NewCommand(providers.CommandConfig{
		ID:      "lister",
		Formats: []string{"lst"},
		List:    []string{"lister", "{archive}"},
		Extract: []string{"lister", "{archive}", "{entry}", "{target}"},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, m.InstallPlugin(engine.Plugin{Name: "lister", Providers: []engine.Provider{provider}}))
	assert.True(t, m.Registry().CanRead("file.lst"))

	// reinstalling the same plugin replaces it
	require.NoError(t, m.InstallPlugin(engine.Plugin{Name: "lister", Providers: []engine.Provider{provider}}))

	err = m.InstallPlugin(engine.Plugin{Name: "thief", Providers: []engine.Provider{provider}})
	require.ErrorIs(t, err, engine.ErrInvalidState)

	zip := providers.NewZip(providers.Options{})
	err = m.InstallPlugin(engine.Plugin{Name: "shadow", Providers: []engine.Provider{zip}})
	require.ErrorIs(t, err, engine.ErrInvalidState)

	require.Error(t, m.InstallPlugin(engine.Plugin{}))

	assert.True(t, m.PurgePlugin("lister"))
	assert.False(t, m.PurgePlugin("lister"))
	assert.False(t, m.Registry().CanRead("file.lst"))
}
