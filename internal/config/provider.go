package config

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Source supplies the current configuration. Components that read thresholds
// call Current on every use instead of holding a copy.
type Source interface {
	Current() Config
}

// Provider re-reads the TOML file when its modification time changes. A
// reload that fails to parse or validate is logged and ignored, keeping the
// last good snapshot in force.
type Provider struct {
	path     string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	current   Config
	modTime   time.Time
	checkedAt time.Time
}

// NewProvider starts from an already loaded and validated cfg. An empty path
// yields a provider that never reloads.
func NewProvider(path string, cfg *Config, logger *slog.Logger) *Provider {
	p := &Provider{
		path:     path,
		interval: cfg.ReloadInterval.Duration,
		logger:   logger.With(slog.String("component", "config")),
		now:      time.Now,
		current:  *cfg,
	}
	if path != "" {
		if fi, err := os.Stat(path); err == nil {
			p.modTime = fi.ModTime()
		}
	}
	p.checkedAt = p.now()
	return p
}

// Static wraps a fixed configuration.
func Static(cfg Config) *Provider {
	return &Provider{current: cfg, now: time.Now, logger: slog.Default()}
}

// Current returns the latest valid configuration.
func (p *Provider) Current() Config {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.path == "" {
		return p.current
	}
	now := p.now()
	if now.Sub(p.checkedAt) < p.interval {
		return p.current
	}
	p.checkedAt = now

	fi, err := os.Stat(p.path)
	if err != nil {
		p.logger.Warn("config: stat failed, keeping current settings",
			slog.String("path", p.path),
			slog.String("error", err.Error()),
		)
		return p.current
	}
	if fi.ModTime().Equal(p.modTime) {
		return p.current
	}

	next, err := Load(p.path)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		p.logger.Warn("config: reload rejected, keeping current settings",
			slog.String("path", p.path),
			slog.String("error", err.Error()),
		)
		// Remember the bad mtime so the same edit is not re-parsed every tick.
		p.modTime = fi.ModTime()
		return p.current
	}

	p.current = *next
	p.modTime = fi.ModTime()
	p.logger.Info("config: reloaded", slog.String("path", p.path))
	return p.current
}
