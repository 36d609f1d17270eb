// Package manager is the facade the interactive collaborator (the CLI or a UI) drives: it owns
// the provider registry, the task executor, the event bus and every open archive window.
package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	v1 "github.com/infracollect/archivist/apis/v1"
	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/engine/providers"
	"github.com/infracollect/archivist/internal/events"
	"github.com/infracollect/archivist/internal/export"
	"github.com/infracollect/archivist/internal/migration"
	"github.com/infracollect/archivist/internal/nested"
	"github.com/infracollect/archivist/internal/reintegrate"
	"github.com/infracollect/archivist/internal/session"
	"github.com/infracollect/archivist/internal/tasks"
	"github.com/infracollect/archivist/internal/workspace"
)

type Options struct {
	Fs     afero.Fs
	Logger *zap.Logger
	// Dispatcher runs task continuations. Nil runs them on the worker goroutine.
	Dispatcher tasks.Dispatcher
	Settings   v1.Settings
}

type Manager struct {
	logger       *zap.Logger
	fs           afero.Fs
	registry     *engine.Registry
	bus          *events.Bus
	executor     *tasks.Executor
	workspace    *workspace.Manager
	table        *session.Table
	tree         *nested.Tree
	exporter     *export.Exporter
	providerOpts providers.Options
	observer     string

	mu       sync.Mutex
	settings v1.Settings
	// plugins maps a plugin name to the ids of the providers it registered.
	plugins map[string][]string
	// fromSettings holds the names of plugins installed by ApplySettings.
	fromSettings []string
	windows      []*Window
}

func New(opts Options) (*Manager, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Settings.Kind == "" {
		opts.Settings = DefaultSettings()
	}

	logger := opts.Logger
	bus := events.NewBus(logger.Named("bus"))

	root := ""
	if opts.Settings.Spec.Workspace != nil {
		root = opts.Settings.Spec.Workspace.Root
	}
	ws := workspace.New(opts.Fs, root, logger.Named("workspace"))
	registry := engine.NewRegistry(logger.Named("registry"))
	table := session.NewTable()

	m := &Manager{
		logger:       logger,
		fs:           opts.Fs,
		registry:     registry,
		bus:          bus,
		executor:     tasks.NewExecutor(logger.Named("tasks"), bus, opts.Dispatcher),
		workspace:    ws,
		table:        table,
		tree:         nested.New(registry, ws, table, reintegrate.New(ws, bus, logger), logger),
		exporter:     export.NewExporter(ws, bus, logger),
		providerOpts: providers.Options{Fs: opts.Fs, Bus: bus, Logger: logger.Named("providers")},
		plugins:      map[string][]string{},
	}
	m.observer = bus.SubscribeAll(m.logEvent)

	if err := m.ApplySettings(opts.Settings); err != nil {
		bus.Unsubscribe(m.observer)
		return nil, err
	}
	return m, nil
}

func (m *Manager) Registry() *engine.Registry {
	return m.registry
}

func (m *Manager) Bus() *events.Bus {
	return m.bus
}

func (m *Manager) Executor() *tasks.Executor {
	return m.executor
}

func (m *Manager) Workspace() *workspace.Manager {
	return m.workspace
}

func (m *Manager) Settings() v1.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// ApplySettings installs a settings snapshot: built-in providers are enabled or disabled,
// plugins declared by the previous snapshot are replaced and the priorities are applied.
// Nothing changes when a plugin of the new snapshot cannot be built.
func (m *Manager) ApplySettings(settings v1.Settings) error {
	plugins := make([]engine.Plugin, 0, len(settings.Spec.Plugins))
	for _, spec := range settings.Spec.Plugins {
		plugin, err := BuildPlugin(spec, m.logger.Named("plugins"))
		if err != nil {
			return err
		}
		plugins = append(plugins, plugin)
	}

	var disabled []string
	priorities := engine.Priorities{}
	if p := settings.Spec.Providers; p != nil {
		disabled = p.Disabled
		for id, priority := range p.Priorities {
			priorities[id] = priority
		}
	}

	providers.RegisterBuiltins(m.registry, m.providerOpts, disabled...)
	for _, id := range disabled {
		m.registry.Unregister(id)
	}

	m.mu.Lock()
	previous := m.fromSettings
	m.fromSettings = lo.Map(plugins, func(p engine.Plugin, _ int) string { return p.Name })
	if m.settings.Spec.Workspace != nil && settings.Spec.Workspace != nil && m.settings.Spec.Workspace.Root != settings.Spec.Workspace.Root {
		m.logger.Warn("workspace root changes take effect on restart",
			zap.String("current", m.workspace.Root()),
			zap.String("requested", settings.Spec.Workspace.Root),
		)
	}
	m.settings = settings
	m.mu.Unlock()

	for _, name := range previous {
		m.PurgePlugin(name)
	}

	var errs error
	for _, plugin := range plugins {
		errs = errors.Join(errs, m.InstallPlugin(plugin))
	}

	m.registry.Apply(priorities)
	m.logger.Debug("applied settings",
		zap.String("settings", settings.Metadata.Name),
		zap.Strings("disabled", disabled),
		zap.Int("plugins", len(plugins)),
	)
	return errs
}

// InstallPlugin registers every provider of plugin, replacing an installed plugin with the
// same name. Provider ids already owned by a built-in or another plugin are rejected.
func (m *Manager) InstallPlugin(plugin engine.Plugin) error {
	if plugin.Name == "" {
		return errors.New("plugin name is required")
	}
	m.PurgePlugin(plugin.Name)

	ids := make([]string, 0, len(plugin.Providers))
	for _, p := range plugin.Providers {
		id := p.Descriptor().ID
		if _, taken := m.registry.Priority(id); taken || slices.Contains(ids, id) {
			return fmt.Errorf("%w: provider %q of plugin %q is already registered", engine.ErrInvalidState, id, plugin.Name)
		}
		ids = append(ids, id)
	}

	for _, p := range plugin.Providers {
		m.registry.Register(p)
	}

	m.mu.Lock()
	m.plugins[plugin.Name] = ids
	m.mu.Unlock()

	m.logger.Info("installed plugin", zap.String("plugin", plugin.Name), zap.Strings("providers", ids))
	return nil
}

// PurgePlugin unregisters the providers of an installed plugin. It reports whether the
// plugin was installed.
func (m *Manager) PurgePlugin(name string) bool {
	m.mu.Lock()
	ids, ok := m.plugins[name]
	delete(m.plugins, name)
	m.mu.Unlock()

	if !ok {
		return false
	}
	for _, id := range ids {
		m.registry.Unregister(id)
	}
	m.logger.Info("purged plugin", zap.String("plugin", name))
	return true
}

// Plugins returns the names of the installed plugins, sorted.
func (m *Manager) Plugins() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := lo.Keys(m.plugins)
	slices.Sort(names)
	return names
}

// Open opens archive in a new top-level window. An archive has at most one window.
func (m *Manager) Open(ctx context.Context, archive string) (*Window, error) {
	s, err := session.Open(ctx, m.registry, m.fs, archive, nil)
	if err != nil {
		return nil, err
	}
	if err := m.table.Claim(s); err != nil {
		return nil, err
	}

	w := m.newWindow(s, nil, nil)
	m.logger.Info("opened archive",
		zap.String("archive", s.Path()),
		zap.Stringer("session_id", s.ID()),
		zap.Int("entries", len(s.Entries())),
		zap.Bool("read_only", s.ReadOnly()),
	)
	return w, nil
}

// Windows returns the open windows in opening order.
func (m *Manager) Windows() []*Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.windows)
}

// ExportTarget builds the export target configured in the settings.
func (m *Manager) ExportTarget(ctx context.Context) (export.Target, error) {
	spec := m.Settings().Spec.Export
	if spec == nil || spec.S3 == nil {
		return nil, errors.New("no export target configured")
	}
	return export.NewS3(ctx, S3Config(spec.S3))
}

// Shutdown waits for running tasks, discards every nested archive and closes all windows.
func (m *Manager) Shutdown() {
	m.executor.Wait()
	for _, w := range m.Windows() {
		if w.parent == nil {
			m.abandon(w, "shutdown")
		}
	}
	m.bus.Unsubscribe(m.observer)
}

func (m *Manager) newWindow(s *session.Session, parent *Window, child *nested.Child) *Window {
	w := &Window{
		manager:   m,
		session:   s,
		migration: migration.New(s, m.workspace, m.logger),
		parent:    parent,
		child:     child,
	}
	m.mu.Lock()
	m.windows = append(m.windows, w)
	m.mu.Unlock()
	return w
}

func (m *Manager) children(parent *Window) []*Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Filter(m.windows, func(w *Window, _ int) bool { return w.parent == parent })
}

// forget removes w from the open windows. It reports false when w was already closed.
func (m *Manager) forget(w *Window) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.closed {
		return false
	}
	w.closed = true
	m.windows = slices.DeleteFunc(m.windows, func(o *Window) bool { return o == w })
	return true
}

// abandonPath abandons the window among w and its descendants whose archive is path. Other
// windows are left open: an archive missing below a parent does not affect the parent.
func (m *Manager) abandonPath(w *Window, path string) {
	if target := m.findWindow(w, path); target != nil {
		m.abandon(target, "archive missing")
		return
	}
	m.logger.Debug("missing archive has no open window", zap.String("archive", path), zap.String("owner", w.session.Path()))
}

func (m *Manager) findWindow(w *Window, path string) *Window {
	if filepath.Clean(w.session.Path()) == filepath.Clean(path) {
		return w
	}
	for _, child := range m.children(w) {
		if found := m.findWindow(child, path); found != nil {
			return found
		}
	}
	return nil
}

// abandon closes w and its descendants without writing anything back.
func (m *Manager) abandon(w *Window, reason string) {
	for _, child := range m.children(w) {
		m.abandon(child, reason)
	}
	if !m.forget(w) {
		return
	}
	w.migration.Cancel()

	logger := m.logger.With(zap.String("archive", w.session.Path()), zap.String("reason", reason))
	if w.child != nil {
		if _, err := m.tree.CloseNested(context.Background(), engine.NewSessionID(), w.child, false); err != nil {
			logger.Warn("failed to discard nested archive", zap.Error(err))
		}
	} else {
		m.table.Release(w.session)
	}
	logger.Info("closed window")
}

func (m *Manager) logEvent(e events.Event) {
	fields := []zap.Field{
		zap.String("topic", e.Topic),
		zap.Stringer("session_id", e.SessionID),
		zap.Uint64("seq", e.Seq),
		zap.String("message", e.Message),
	}
	if e.Percent != events.Indeterminate {
		fields = append(fields, zap.Int("percent", e.Percent))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	m.logger.Debug("event", fields...)
}
