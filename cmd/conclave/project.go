package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/conclave/internal/config"
	"github.com/ShayCichocki/conclave/internal/directory"
	"github.com/ShayCichocki/conclave/internal/state"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// project is an opened conclave project: its config, database and
// organization.
type project struct {
	root string
	cfg  *config.Config
	db   *state.DB
	org  *directory.Organization
}

// findProjectRoot returns the nearest directory upward from cwd that
// contains .conclave, or cwd.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for dir := cwd; ; {
		if fi, err := os.Stat(filepath.Join(dir, ".conclave")); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

// resolve makes p absolute against the project root.
func (p *project) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.root, path)
}

// openProject loads config, opens and migrates the database, and loads the
// organization file.
func openProject() (*project, error) {
	root, err := findProjectRoot()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(root, ".conclave")); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s is not a conclave project; run 'conclave init' first", root)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	p := &project{root: root, cfg: cfg}
	dbPath := p.resolve(cfg.Storage.Path)
	if dbPath == "" {
		dbPath = state.ProjectDBPath(root)
	}
	db, err := state.OpenWithDriver(cfg.Storage.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	p.db = db

	org, err := directory.Load(p.resolve(cfg.Organization.Path), db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if cfg.Organization.DefaultProvider != "" {
		org.SetAgentProvider(models.Provider(cfg.Organization.DefaultProvider))
	}
	p.org = org
	return p, nil
}

func (p *project) Close() error {
	return p.db.Close()
}

// loadTask fetches a task or reports it missing.
func (p *project) loadTask(id string) (*models.Task, error) {
	t, err := p.db.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return t, nil
}
