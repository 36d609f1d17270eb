package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	v1 "github.com/infracollect/archivist/apis/v1"
	"github.com/infracollect/archivist/internal/engine"
	"github.com/infracollect/archivist/internal/manager"
	"github.com/infracollect/archivist/internal/tasks"
)

// loadSettings reads, validates and expands the settings file given by --settings, or
// returns the defaults when none is given.
func loadSettings(command *cli.Command) (v1.Settings, error) {
	filename := command.String("settings")
	if filename == "" {
		return manager.DefaultSettings(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return v1.Settings{}, fmt.Errorf("failed to read settings file '%s': %w", filename, err)
	}

	settings, err := manager.ParseSettings(data)
	if err != nil {
		return v1.Settings{}, formatValidationError(err)
	}

	if err := manager.ExpandSettings(&settings, command.StringSlice("allowed-env")); err != nil {
		return v1.Settings{}, err
	}
	return settings, nil
}

// session is the state shared by the archive commands: a manager and the window of the
// archive named by the first argument.
type session struct {
	logger  *zap.Logger
	manager *manager.Manager
	window  *manager.Window
	stop    func()
}

func openSession(ctx context.Context, command *cli.Command) (*session, error) {
	logger := getLogger(ctx)

	archive := command.StringArg("archive")
	if archive == "" {
		return nil, fmt.Errorf("no archive provided")
	}

	settings, err := loadSettings(command)
	if err != nil {
		return nil, err
	}

	m, err := manager.New(manager.Options{Logger: logger, Settings: settings})
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	w, err := m.Open(ctx, archive)
	if err != nil {
		m.Shutdown()
		return nil, fmt.Errorf("failed to open '%s': %w", archive, err)
	}

	return &session{
		logger:  logger.With(zap.String("archive", archive)),
		manager: m,
		window:  w,
		stop:    watchProgress(ctx, m.Bus()),
	}, nil
}

func (s *session) Close() {
	s.stop()
	s.manager.Shutdown()
}

// waitFor returns a function that blocks until a submitted task has finished.
func waitFor(ctx context.Context) func(*tasks.Handle, error) error {
	return func(h *tasks.Handle, err error) error {
		if err != nil {
			return err
		}
		return h.Wait(ctx)
	}
}

// find looks up an entry by name in w, failing with a readable error.
func find(w *manager.Window, name string) (engine.Entry, error) {
	entry, ok := w.Session().Find(name)
	if !ok {
		return engine.Entry{}, fmt.Errorf("entry '%s' not found in %s", name, w.Session().Path())
	}
	return entry, nil
}
