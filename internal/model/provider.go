package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Brownie44l1/mnist-api/internal/nn"
)

// ArtifactSource makes the parameter file available locally and returns its
// path. *artifact.Fetcher implements it.
type ArtifactSource interface {
	Ensure(ctx context.Context) (string, error)
}

type ProviderConfig struct {
	Architecture nn.Architecture
	Artifact     ArtifactSource
	// Load defaults to LoadCheckpoint.
	Load    CheckpointLoader
	Workers int
	Logger  *slog.Logger
}

// Provider owns the process-wide model. The first successful Model call
// fetches, builds, binds and freezes the network; later calls return the
// same instance. Concurrent first calls are serialised so the sequence runs
// once. A failed attempt is not cached.
type Provider struct {
	arch     nn.Architecture
	artifact ArtifactSource
	load     CheckpointLoader
	workers  int
	logger   *slog.Logger

	mu    sync.Mutex
	model atomic.Pointer[nn.Network]
}

func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Artifact == nil {
		return nil, errors.New("artifact source must not be nil")
	}
	if len(cfg.Architecture.Layers) == 0 {
		return nil, errors.New("architecture must not be empty")
	}
	load := cfg.Load
	if load == nil {
		load = LoadCheckpoint
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Provider{
		arch:     cfg.Architecture,
		artifact: cfg.Artifact,
		load:     load,
		workers:  cfg.Workers,
		logger:   logger,
	}, nil
}

func (p *Provider) Model(ctx context.Context) (*nn.Network, error) {
	if net := p.model.Load(); net != nil {
		return net, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if net := p.model.Load(); net != nil {
		return net, nil
	}
	net, err := p.build(ctx)
	if err != nil {
		return nil, err
	}
	p.model.Store(net)
	return net, nil
}

// Ready reports whether the model has been loaded.
func (p *Provider) Ready() bool {
	return p.model.Load() != nil
}

func (p *Provider) build(ctx context.Context) (*nn.Network, error) {
	start := time.Now()
	path, err := p.artifact.Ensure(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model parameters: %w", err)
	}
	net, err := nn.Build(p.arch, nn.WithWorkers(p.workers))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", p.arch.Name, err)
	}
	state, err := p.load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := net.Bind(state); err != nil {
		return nil, fmt.Errorf("failed to load %s into %s: %w", path, p.arch.Name, err)
	}
	net.Eval()
	p.logger.Info("model_ready",
		"architecture", p.arch.Name,
		"path", path,
		"parameters", net.ParameterCount(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return net, nil
}
