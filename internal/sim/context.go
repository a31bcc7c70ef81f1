package sim

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"vecenv/internal/physics"
	"vecenv/internal/scene"
)

var ErrClosed = errors.New("simulation context closed")

// BackendFactory creates the simulator for the given per-instance origins.
type BackendFactory func(origins []r3.Vec) (scene.Simulator, error)

// CartPoleBackend returns a factory for the built-in batched cart-pole world.
func CartPoleBackend(params physics.CartPoleParams) BackendFactory {
	return func(origins []r3.Vec) (scene.Simulator, error) {
		world, err := physics.NewCartPoleWorld(origins, params)
		if err != nil {
			return nil, err
		}
		return world, nil
	}
}

type Config struct {
	Scene   scene.Config
	Backend BackendFactory
	Logger  *log.Logger
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

// Context owns the physics backend and the scene built on it. Environments
// borrow both; closing the context releases them.
type Context struct {
	mu             sync.RWMutex
	backend        scene.Simulator
	scene          *scene.Scene
	logger         *log.Logger
	open           bool
	lastStopReason StopReason
}

func Open(cfg Config) (*Context, error) {
	if err := cfg.Scene.Validate(); err != nil {
		return nil, err
	}
	factory := cfg.Backend
	if factory == nil {
		factory = CartPoleBackend(physics.DefaultCartPoleParams())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	origins := scene.GridOrigins(cfg.Scene.NumEnvs, cfg.Scene.EnvSpacing)
	backend, err := factory(origins)
	if err != nil {
		return nil, fmt.Errorf("create physics backend: %w", err)
	}
	sc, err := scene.New(cfg.Scene, origins, backend)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("build scene: %w", err)
	}
	logger.Printf("simulation context open: num_envs=%d env_spacing=%g entities=%v",
		cfg.Scene.NumEnvs, cfg.Scene.EnvSpacing, sc.Entities())
	return &Context{
		backend:        backend,
		scene:          sc,
		logger:         logger,
		open:           true,
		lastStopReason: StopReasonNormal,
	}, nil
}

func (c *Context) Scene() *scene.Scene {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scene
}

func (c *Context) Backend() scene.Simulator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend
}

func (c *Context) Logger() *log.Logger {
	return c.logger
}

func (c *Context) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

func (c *Context) LastStopReason() StopReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastStopReason
}

// Close releases the backend. Closing an already closed context is a no-op.
func (c *Context) Close() error {
	return c.CloseWithReason(StopReasonNormal)
}

func (c *Context) CloseWithReason(reason StopReason) error {
	if reason != StopReasonNormal && reason != StopReasonShutdown {
		return fmt.Errorf("invalid stop reason: %s", reason)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	c.lastStopReason = reason
	c.logger.Printf("simulation context closed: reason=%s", reason)
	return c.backend.Close()
}
