package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Provider serves the live configuration and swaps it on reload.
// Readers always see a complete Config; reloads never mutate one in place.
type Provider struct {
	path   string
	cur    atomic.Pointer[Config]
	logger *zap.Logger
}

// NewProvider wraps an already loaded config. path may be empty when the
// config did not come from a file; Watch is then a no-op.
func NewProvider(cfg *Config, path string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{path: path, logger: logger}
	p.cur.Store(cfg)
	return p
}

// Static returns a Provider that never reloads.
func Static(cfg *Config) *Provider {
	return NewProvider(cfg, "", nil)
}

// Current returns the active configuration.
func (p *Provider) Current() *Config {
	return p.cur.Load()
}

// CachingEnabled reports whether responses from agent may be cached at all.
func (p *Provider) CachingEnabled(agent string) bool {
	cfg := p.Current()
	a := cfg.Agent(agent)
	if a.CachingEnabled != nil {
		return *a.CachingEnabled
	}
	return cfg.Cache.Enabled
}

// RequestsPerMinute returns the rate ceiling for agent.
func (p *Provider) RequestsPerMinute(agent string) int {
	return p.Current().Agent(agent).RequestsPerMinute
}

// DefaultTTL returns the generic cache TTL.
func (p *Provider) DefaultTTL() time.Duration {
	return p.Current().Cache.DefaultTTL
}

// AgentKind returns the TTL band for agent.
func (p *Provider) AgentKind(agent string) string {
	return p.Current().Agent(agent).Kind
}

// TTLOverride returns the configured TTL for agent, or zero.
func (p *Provider) TTLOverride(agent string) time.Duration {
	return p.Current().Agent(agent).TTL
}

// MatchMode returns how caller identities are combined into window keys.
func (p *Provider) MatchMode() string {
	return p.Current().RateLimit.Match
}

// FailOpen reports whether the limiter admits calls when its store fails.
func (p *Provider) FailOpen() bool {
	return p.Current().RateLimit.FailOpen
}

// Reload re-reads the config file. On failure the previous config stays active.
func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	cfg, err := Load(p.path)
	if err != nil {
		return err
	}
	p.cur.Store(cfg)
	return nil
}

// Watch reloads the config whenever its file is written or replaced.
// It blocks until ctx is cancelled.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory so editors that rename-and-replace are still seen.
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("config reload failed, keeping previous", zap.String("path", p.path), zap.Error(err))
				continue
			}
			p.logger.Info("config reloaded", zap.String("path", p.path))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}
