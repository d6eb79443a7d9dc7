// Package containermgr creates, starts, health-checks, stops, and removes
// the per-session containers, talking to the local container daemon through
// its typed client API rather than shelling out to the docker CLI.
package containermgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/workspace/sandbox-executor/internal/sandboxerrors"
)

const sessionLabelKey = "sandbox-executor.session-id"

// State is the per-container lifecycle state from spec §4.4.
type State string

const (
	StateCreating State = "creating"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Spec describes the container a session needs.
type Spec struct {
	SessionID     string
	Image         string
	WorkspacePath string
	WorkspaceMount string // internal path the agent uses as its working directory
	APIPort       int     // leased host port mapped to InternalAPIPort
	CodePort      int     // leased host port mapped to InternalCodePort
	InternalAPIPort  int
	InternalCodePort int
	AgentAPIKey   string
	AgentBaseURL  string
	AgentModel    string
	HostLoopback  string
	MemLimitBytes int64
	CPUQuota      float64 // fraction of one CPU, e.g. 1.5
}

// Handle identifies a provisioned container.
type Handle struct {
	ContainerID string
	Spec        Spec
}

// Manager owns the container lifecycle against a single docker daemon
// client, injected so tests can substitute a fake.
type Manager struct {
	api                client.ContainerAPIClient
	healthCheckTimeout time.Duration
	degradeAfter       int
	httpClient         *http.Client
}

// New wraps an existing docker API client. Callers typically construct the
// client with client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation()).
func New(api client.ContainerAPIClient, healthCheckTimeout time.Duration, degradeAfter int) *Manager {
	if degradeAfter <= 0 {
		degradeAfter = 3
	}
	return &Manager{
		api:                api,
		healthCheckTimeout: healthCheckTimeout,
		degradeAfter:       degradeAfter,
		httpClient:         &http.Client{Timeout: 5 * time.Second},
	}
}

// Provision runs the full lifecycle from creating to ready, retrying
// container creation up to three times for transient failures (daemon
// connectivity, temporary resource pressure). Non-transient failures (image
// missing, a port collision that survives the allocator's probe) fail
// immediately.
func (m *Manager) Provision(ctx context.Context, spec Spec) (*Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		handle, err := m.create(ctx, spec)
		if err == nil {
			if startErr := m.api.ContainerStart(ctx, handle.ContainerID, container.StartOptions{}); startErr != nil {
				_ = m.api.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true})
				lastErr = startErr
				if !isTransient(startErr) {
					return nil, fmt.Errorf("%w: start container: %v", sandboxerrors.ErrProvisioningFailed, startErr)
				}
				continue
			}
			if err := m.awaitHealthy(ctx, spec); err != nil {
				_ = m.api.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true})
				return nil, fmt.Errorf("%w: %v", sandboxerrors.ErrUnhealthy, err)
			}
			return handle, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, fmt.Errorf("%w: %v", sandboxerrors.ErrProvisioningFailed, err)
		}
		slog.Warn("container create failed, retrying", "session_id", spec.SessionID, "attempt", attempt, "err", err)
	}
	return nil, fmt.Errorf("%w: %v", sandboxerrors.ErrProvisioningFailed, lastErr)
}

func (m *Manager) create(ctx context.Context, spec Spec) (*Handle, error) {
	apiInternal := spec.InternalAPIPort
	codeInternal := spec.InternalCodePort
	apiPortKey := nat.Port(fmt.Sprintf("%d/tcp", apiInternal))
	codePortKey := nat.Port(fmt.Sprintf("%d/tcp", codeInternal))

	env := []string{
		fmt.Sprintf("AGENT_API_KEY=%s", spec.AgentAPIKey),
		fmt.Sprintf("AGENT_BASE_URL=%s", spec.AgentBaseURL),
		fmt.Sprintf("AGENT_MODEL=%s", spec.AgentModel),
		fmt.Sprintf("HOST_LOOPBACK=%s", spec.HostLoopback),
		fmt.Sprintf("SESSION_ID=%s", spec.SessionID),
	}

	workDir := spec.WorkspaceMount
	if workDir == "" {
		workDir = "/workspace"
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   env,
		ExposedPorts: nat.PortSet{
			apiPortKey:  struct{}{},
			codePortKey: struct{}{},
		},
		Labels: map[string]string{
			sessionLabelKey: spec.SessionID,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			apiPortKey:  []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", spec.APIPort)}},
			codePortKey: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", spec.CodePort)}},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.WorkspacePath,
				Target: workDir,
			},
		},
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	if spec.MemLimitBytes > 0 {
		hostCfg.Resources.Memory = spec.MemLimitBytes
	}
	if spec.CPUQuota > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.CPUQuota * 1e9)
	}

	name := fmt.Sprintf("sandbox-session-%s", spec.SessionID)
	resp, err := m.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, err
	}
	return &Handle{ContainerID: resp.ID, Spec: spec}, nil
}

// awaitHealthy polls the internal agent API's health endpoint through the
// published host port until it succeeds or health_check_timeout elapses.
func (m *Manager) awaitHealthy(ctx context.Context, spec Spec) error {
	deadline := time.Now().Add(m.healthCheckTimeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/health", spec.APIPort)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.probe(ctx, url) {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("health probe did not succeed within %s", m.healthCheckTimeout)
}

func (m *Manager) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Health performs a single probe against a provisioned container, returning
// nil if healthy or sandboxerrors.ErrUnhealthy wrapping the probe failure.
func (m *Manager) Health(ctx context.Context, handle *Handle) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", handle.Spec.APIPort)
	if m.probe(ctx, url) {
		return nil
	}
	return fmt.Errorf("%w: probe failed for session %s", sandboxerrors.ErrUnhealthy, handle.Spec.SessionID)
}

// Stop issues a graceful stop, then force-removes the container after grace
// elapses without confirmed removal.
func (m *Manager) Stop(ctx context.Context, handle *Handle, grace time.Duration) error {
	if handle == nil || handle.ContainerID == "" {
		return nil
	}
	seconds := int(grace.Seconds())
	if err := m.api.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &seconds}); err != nil {
		slog.Warn("graceful container stop failed, forcing removal", "container_id", handle.ContainerID, "err", err)
	}
	return m.api.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// FindBySessionLabel reconciles a session id to a running container by its
// session label, mirroring the teacher's label-based devcontainer discovery
// but against the Docker Engine API instead of a "docker ps" subprocess.
func (m *Manager) FindBySessionLabel(ctx context.Context, sessionID string) (string, bool, error) {
	args := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", sessionLabelKey, sessionID)))
	list, err := m.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", false, err
	}
	if len(list) == 0 {
		return "", false, nil
	}
	return list[0].ID, true, nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such image"):
		return false
	case strings.Contains(msg, "port is already allocated"):
		return false
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "temporarily unavailable"):
		return true
	default:
		return true
	}
}
