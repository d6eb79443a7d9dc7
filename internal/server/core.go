// Package server is the thin HTTP edge adapter: exactly the routes
// SPEC_FULL.md §6 names, wiring request bodies into the core components
// (Session Registry, Port Allocator, Workspace Provisioner, Container
// Manager, Chat Proxy, Lifecycle Supervisor, Legacy Local Executor). Full
// edge concerns (rich routing frameworks, production-grade CORS policy,
// session cookies) are out of scope per spec.md §1; this package is the
// minimal glue a real edge would sit in front of.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/workspace/sandbox-executor/internal/chatproxy"
	"github.com/workspace/sandbox-executor/internal/config"
	"github.com/workspace/sandbox-executor/internal/containermgr"
	"github.com/workspace/sandbox-executor/internal/localexec"
	"github.com/workspace/sandbox-executor/internal/portalloc"
	"github.com/workspace/sandbox-executor/internal/sandboxerrors"
	"github.com/workspace/sandbox-executor/internal/sessionregistry"
	"github.com/workspace/sandbox-executor/internal/sessionstore"
	"github.com/workspace/sandbox-executor/internal/workspace"
)

// localHandle bundles a running legacy-local-executor turn runner with its
// shutdown func, keyed by session id.
type localHandle struct {
	runner chatproxy.TurnRunner
	close  func() error
}

// Core wires together every component the HTTP handlers call. It owns no
// HTTP concerns of its own; http.go adapts it to net/http.
type Core struct {
	cfg        *config.Config
	registry   *sessionregistry.Registry
	ports      *portalloc.Allocator
	workspaces *workspace.Provisioner
	containers *containermgr.Manager
	proxy      *chatproxy.Proxy
	repo       sessionstore.Repository

	mu    sync.Mutex
	local map[string]*localHandle
}

// NewCore assembles the composition root's core. containers may be nil only
// when cfg.Backend is config.BackendLocal for every session this process
// will serve (the sandbox backend requires a real Docker client).
func NewCore(cfg *config.Config, registry *sessionregistry.Registry, ports *portalloc.Allocator, workspaces *workspace.Provisioner, containers *containermgr.Manager, repo sessionstore.Repository) *Core {
	c := &Core{
		cfg:        cfg,
		registry:   registry,
		ports:      ports,
		workspaces: workspaces,
		containers: containers,
		repo:       repo,
		local:      make(map[string]*localHandle),
	}
	c.proxy = chatproxy.New(registry, c.resolve, cfg.StreamTimeout, cfg.RequestTimeout)
	return c
}

// CreateRequest is the POST /sessions request body.
type CreateRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Backend string `json:"backend"`
	RepoURL string `json:"repoUrl"`
	Branch  string `json:"branch"`
}

// CreateSession implements get_or_create for C1: it generates a session id
// when the caller omits one (per SPEC_FULL.md's home for github.com/google/uuid),
// then drives workspace provisioning and, for the sandbox backend, container
// provisioning, all serialized per session id by the registry.
func (c *Core) CreateSession(ctx context.Context, req CreateRequest) (sessionregistry.Session, bool, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	backend := sessionregistry.Backend(req.Backend)
	if backend == "" {
		backend = sessionregistry.Backend(c.cfg.Backend)
	}

	spec := sessionregistry.Spec{
		Name:    req.Name,
		Backend: backend,
		RepoURL: req.RepoURL,
		Branch:  req.Branch,
	}

	return c.registry.GetOrCreate(id, spec, c.provision(ctx))
}

func (c *Core) provision(ctx context.Context) sessionregistry.Provisioner {
	return func(session *sessionregistry.Session) error {
		dir, err := c.workspaces.Create(session.ID)
		if err != nil {
			return fmt.Errorf("provision workspace: %w", err)
		}
		session.WorkspaceDir = dir

		if session.RepoURL != "" {
			if err := c.workspaces.Clone(ctx, dir, session.ID, session.RepoURL, session.Branch, c.cfg.GitCredential); err != nil {
				return fmt.Errorf("clone repository: %w", err)
			}
		}

		switch session.Backend {
		case sessionregistry.BackendSandbox:
			return c.provisionSandbox(ctx, session, dir)
		case sessionregistry.BackendLocal:
			return c.provisionLocal(ctx, session, dir)
		default:
			return fmt.Errorf("%w: unknown backend %q", sandboxerrors.ErrConfigInvalid, session.Backend)
		}
	}
}

func (c *Core) provisionSandbox(ctx context.Context, session *sessionregistry.Session, workspaceDir string) error {
	if c.containers == nil {
		return fmt.Errorf("%w: sandbox backend requires a container manager", sandboxerrors.ErrConfigInvalid)
	}

	apiPort, codePort, err := c.ports.LeasePair()
	if err != nil {
		return fmt.Errorf("lease ports: %w", err)
	}

	handle, err := c.containers.Provision(ctx, containermgr.Spec{
		SessionID:        session.ID,
		Image:            c.cfg.Image,
		WorkspacePath:    workspaceDir,
		WorkspaceMount:   "/workspace",
		APIPort:          apiPort,
		CodePort:         codePort,
		InternalAPIPort:  8080,
		InternalCodePort: 8081,
		AgentAPIKey:      c.cfg.AgentAPIKey,
		AgentBaseURL:     c.cfg.AgentBaseURL,
		AgentModel:       c.cfg.AgentModel,
		HostLoopback:     c.cfg.HostLoopback,
		MemLimitBytes:    c.cfg.MemLimitBytes,
		CPUQuota:         c.cfg.CPULimit,
	})
	if err != nil {
		c.ports.ReleasePair(apiPort, codePort)
		return fmt.Errorf("provision container: %w", err)
	}

	session.ContainerID = handle.ContainerID
	session.APIPort = apiPort
	session.CodePort = codePort
	sessionstore.SyncOnCreate(c.repo, *session)
	return nil
}

func (c *Core) provisionLocal(ctx context.Context, session *sessionregistry.Session, workspaceDir string) error {
	runner, closeFn, err := localexec.StartRunner(ctx, localexec.Config{
		SessionID:    session.ID,
		WorkspaceDir: workspaceDir,
		AgentCommand: c.cfg.LocalAgentCommand,
		AgentArgs:    c.cfg.LocalAgentArgs,
		AgentEnv:     c.cfg.LocalAgentEnv,
	})
	if err != nil {
		return fmt.Errorf("start local executor: %w", err)
	}

	c.mu.Lock()
	c.local[session.ID] = &localHandle{runner: runner, close: closeFn}
	c.mu.Unlock()

	sessionstore.SyncOnCreate(c.repo, *session)
	return nil
}

// resolve implements chatproxy.Resolver.
func (c *Core) resolve(sessionID string) (chatproxy.TurnRunner, error) {
	session, ok := c.registry.Lookup(sessionID)
	if !ok {
		return nil, sandboxerrors.ErrNotFound
	}

	switch session.Backend {
	case sessionregistry.BackendSandbox:
		if session.APIPort == 0 {
			return nil, fmt.Errorf("%w: session %s has no leased api port", sandboxerrors.ErrUnhealthy, sessionID)
		}
		return chatproxy.NewHTTPRunner(fmt.Sprintf("http://127.0.0.1:%d", session.APIPort)), nil
	case sessionregistry.BackendLocal:
		c.mu.Lock()
		h, ok := c.local[sessionID]
		c.mu.Unlock()
		if !ok {
			return nil, sandboxerrors.ErrNotFound
		}
		return h.runner, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", sandboxerrors.ErrConfigInvalid, session.Backend)
	}
}

// Proxy exposes the Chat Proxy for the HTTP handlers.
func (c *Core) Proxy() *chatproxy.Proxy { return c.proxy }

// Registry exposes the Session Registry for the HTTP handlers.
func (c *Core) Registry() *sessionregistry.Registry { return c.registry }

// Teardown implements sessionregistry.Teardown: it is invoked by both the
// DELETE handler and the Lifecycle Supervisor's idle/health sweep.
func (c *Core) Teardown(session sessionregistry.Session, reason string) error {
	switch session.Backend {
	case sessionregistry.BackendSandbox:
		if session.ContainerID != "" && c.containers != nil {
			handle := &containermgr.Handle{
				ContainerID: session.ContainerID,
				Spec:        containermgr.Spec{SessionID: session.ID, APIPort: session.APIPort},
			}
			if err := c.containers.Stop(context.Background(), handle, c.cfg.ContainerGrace); err != nil {
				slog.Warn("container stop failed during teardown", "session_id", session.ID, "err", err)
			}
		}
		c.ports.ReleasePair(session.APIPort, session.CodePort)
	case sessionregistry.BackendLocal:
		c.mu.Lock()
		h, ok := c.local[session.ID]
		delete(c.local, session.ID)
		c.mu.Unlock()
		if ok {
			if err := h.close(); err != nil {
				slog.Warn("local executor close failed during teardown", "session_id", session.ID, "err", err)
			}
		}
	}

	sessionstore.SyncOnClose(c.repo, session.ID, reason)
	return nil
}

// DestroyWorkspace removes a session's workspace directory. Called only by
// the explicit DELETE /sessions/{id} handler, never by idle eviction — see
// SPEC_FULL.md §9's decision on the source's ambiguous retention behavior.
func (c *Core) DestroyWorkspace(path string) error {
	if path == "" {
		return nil
	}
	return c.workspaces.Destroy(path)
}

// Probe implements lifecycle.Prober: only sandbox-backend sessions have a
// container to probe.
func (c *Core) Probe(ctx context.Context, session sessionregistry.Session) error {
	if session.Backend != sessionregistry.BackendSandbox || c.containers == nil {
		return nil
	}
	handle := &containermgr.Handle{
		ContainerID: session.ContainerID,
		Spec:        containermgr.Spec{SessionID: session.ID, APIPort: session.APIPort},
	}
	return c.containers.Health(ctx, handle)
}
