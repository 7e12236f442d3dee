package config

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Manager holds the live configuration snapshot. Reload replaces the pointer
// atomically; in-flight work keeps the snapshot it started with.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
}

// NewManager loads the initial snapshot from path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the active snapshot. Never nil.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Reload re-reads the file and swaps the snapshot. On error the previous
// snapshot stays active.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.current.Store(cfg)
	slog.Info("configuration reloaded", "path", m.path)
	return nil
}

// WatchSignals reloads on SIGHUP until stop is closed.
func (m *Manager) WatchSignals(stop <-chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ch:
				if err := m.Reload(); err != nil {
					slog.Error("config reload failed, keeping previous snapshot", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}
