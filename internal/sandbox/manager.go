// Package sandbox manages the pool of remote build containers. Containers
// are created, driven, snapshotted and destroyed through the SSH transport
// to the engine host; the pool enforces a global concurrency cap with a
// bounded FIFO creation queue and a background reaper for stale containers.
package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeloop/internal/logging"
	"forgeloop/internal/metrics"
	"forgeloop/internal/transport"
)

const (
	defaultCmdTimeout  = 30 * time.Second
	createTimeout      = 60 * time.Second
	snapshotTimeout    = 120 * time.Second
	reaperInterval     = 5 * time.Minute
	reaperGrace        = 60 * time.Second
	maxQueuedCreations = 64

	// InstallTimeout suits long install-style commands passed explicitly
	// to ExecInContainer.
	InstallTimeout = 10 * time.Minute
)

// Config tunes the container pool.
type Config struct {
	MaxConcurrent int
	CPULimit      string
	MemoryLimit   string
	DiskLimit     string
	MaxLifetime   time.Duration
	Image         string
}

// DefaultConfig returns the documented container policy.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		CPULimit:      "1",
		MemoryLimit:   "2g",
		DiskLimit:     "10g",
		MaxLifetime:   15 * time.Minute,
		Image:         "node:20-alpine",
	}
}

type queueEntry struct {
	ready    chan struct{}
	enqueued time.Time
	granted  bool
}

// Manager owns the container map and creation queue.
type Manager struct {
	cfg    Config
	runner transport.Runner
	log    *zap.SugaredLogger

	mu         sync.Mutex
	containers map[string]*Container // keyed by session ID
	active     int
	queue      []*queueEntry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a pool manager and starts its reaper.
func NewManager(cfg Config, runner transport.Runner) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Image == "" {
		cfg.Image = "node:20-alpine"
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = 15 * time.Minute
	}
	m := &Manager{
		cfg:        cfg,
		runner:     runner,
		log:        logging.Component("sandbox"),
		containers: make(map[string]*Container),
		stop:       make(chan struct{}),
	}
	metrics.Get().ContainersActive.Set(0)
	go m.reaperLoop()
	return m
}

// CreateContainer provisions a sandbox for the session, queueing FIFO when
// the pool is at capacity. A failed creation never consumes a pool slot.
func (m *Manager) CreateContainer(ctx context.Context, sessionID string) (*Container, error) {
	sid := sanitizeSessionID(sessionID)

	m.mu.Lock()
	if c, ok := m.containers[sessionID]; ok && c.Status == StatusRunning {
		m.mu.Unlock()
		return nil, ErrContainerExists
	}
	m.mu.Unlock()

	if err := m.acquireSlot(ctx); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("forge-sandbox-%s-%s", shortID(sid), uuid.NewString()[:8])
	workdir := "/workspace/" + sid
	createdMs := time.Now().UnixMilli()

	cmd := strings.Join([]string{
		"docker run -d",
		"--name " + name,
		"--cpus " + m.cfg.CPULimit,
		"--memory " + m.cfg.MemoryLimit,
		"--storage-opt size=" + m.cfg.DiskLimit,
		"--read-only",
		"--tmpfs /tmp:rw,noexec,nosuid,size=1g",
		fmt.Sprintf("--tmpfs %s:rw,exec,nosuid,size=5g", workdir),
		"-w " + workdir,
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--network none",
		"--label session=" + sid,
		fmt.Sprintf("--label created=%d", createdMs),
		m.cfg.Image,
		"sleep infinity",
	}, " ")

	out, err := m.runner.Run(ctx, cmd, createTimeout)
	if err != nil {
		m.releaseSlot()
		category := "engine_failed"
		var te *transport.TransportError
		if errors.As(err, &te) {
			category = string(te.Category)
		}
		metrics.Get().ContainerFailuresTotal.WithLabelValues(category).Inc()
		m.log.Errorw("container creation failed", "session", sessionID, "error", err)
		return nil, err
	}

	c := &Container{
		EngineID:  strings.TrimSpace(out),
		SessionID: sessionID,
		Name:      name,
		Status:    StatusRunning,
		CreatedAt: time.Now(),
		Workdir:   workdir,
	}
	c.lifetimeTimer = time.AfterFunc(m.cfg.MaxLifetime, func() {
		m.log.Warnw("container hit max lifetime", "session", sessionID, "name", name)
		m.DestroyContainer(context.Background(), sessionID, "max_lifetime")
	})

	m.mu.Lock()
	m.containers[sessionID] = c
	active := m.active
	m.mu.Unlock()

	metrics.Get().ContainersCreatedTotal.Inc()
	metrics.Get().ContainersActive.Set(float64(active))
	m.log.Infow("container created", "session", sessionID, "name", name, "engine_id", c.EngineID)
	return c, nil
}

// ExecInContainer runs a shell command inside the session's container.
// Non-zero exit codes are returned as data; only transport failures error.
func (m *Manager) ExecInContainer(ctx context.Context, sessionID, command string, timeout time.Duration) (*ExecResult, error) {
	c, err := m.running(sessionID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultCmdTimeout
	}

	// The outer shell always exits 0 so a failing user command reaches us
	// as data rather than a transport error.
	remote := fmt.Sprintf("docker exec -w %s %s sh -c %s 2>&1; printf '__EXIT__:%%s' \"$?\"",
		c.Workdir, c.Name, shellQuote(command))

	start := time.Now()
	out, err := m.runner.Run(ctx, remote, timeout)
	metrics.Get().SandboxCommandDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	c.CommandsExecuted++
	c.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		c.Errors++
		c.mu.Unlock()
		return nil, err
	}

	output, exitCode := splitExitMarker(out)
	if exitCode != 0 {
		c.mu.Lock()
		c.Errors++
		c.mu.Unlock()
	}
	return &ExecResult{Success: exitCode == 0, Output: output, ExitCode: exitCode}, nil
}

// WriteFile materializes content at a workspace-relative path. Content is
// base64-encoded host-side and decoded in-container to sidestep shell
// escaping of arbitrary file bodies.
func (m *Manager) WriteFile(ctx context.Context, sessionID, filePath string, content []byte) error {
	c, err := m.running(sessionID)
	if err != nil {
		return err
	}
	rel, err := cleanContainerPath(filePath)
	if err != nil {
		return err
	}

	full := c.Workdir + "/" + rel
	inner := fmt.Sprintf(`p=%s; mkdir -p "$(dirname "$p")" && base64 -d > "$p"`, shellQuote(full))
	encoded := base64.StdEncoding.EncodeToString(content)
	remote := fmt.Sprintf("echo %s | docker exec -i %s sh -c %s", encoded, c.Name, shellQuote(inner))

	if _, err := m.runner.Run(ctx, remote, defaultCmdTimeout); err != nil {
		c.mu.Lock()
		c.Errors++
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.FilesCreated++
	c.mu.Unlock()
	return nil
}

// ReadFile returns the content of a workspace-relative file.
func (m *Manager) ReadFile(ctx context.Context, sessionID, filePath string) ([]byte, error) {
	c, err := m.running(sessionID)
	if err != nil {
		return nil, err
	}
	rel, err := cleanContainerPath(filePath)
	if err != nil {
		return nil, err
	}

	inner := fmt.Sprintf("base64 < %s", shellQuote(c.Workdir+"/"+rel))
	remote := fmt.Sprintf("docker exec %s sh -c %s", c.Name, shellQuote(inner))
	out, err := m.runner.Run(ctx, remote, defaultCmdTimeout)
	if err != nil {
		c.mu.Lock()
		c.Errors++
		c.mu.Unlock()
		return nil, err
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, out))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}

	c.mu.Lock()
	c.FilesRead++
	c.mu.Unlock()
	return decoded, nil
}

// ListFiles enumerates names in a workspace-relative directory.
func (m *Manager) ListFiles(ctx context.Context, sessionID, dir string) ([]string, error) {
	c, err := m.running(sessionID)
	if err != nil {
		return nil, err
	}
	rel := "."
	if strings.TrimSpace(dir) != "" && dir != "." {
		rel, err = cleanContainerPath(dir)
		if err != nil {
			return nil, err
		}
	}

	inner := fmt.Sprintf("ls -1A %s", shellQuote(c.Workdir+"/"+rel))
	remote := fmt.Sprintf("docker exec %s sh -c %s", c.Name, shellQuote(inner))
	out, err := m.runner.Run(ctx, remote, defaultCmdTimeout)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// CreateSnapshot commits the container to an image named uniquely by
// capture time.
func (m *Manager) CreateSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	c, err := m.running(sessionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	name := fmt.Sprintf("forge-snapshot-%s:%d", shortID(sanitizeSessionID(sessionID)), now.UnixMilli())
	out, err := m.runner.Run(ctx, fmt.Sprintf("docker commit %s %s", c.Name, name), snapshotTimeout)
	if err != nil {
		c.mu.Lock()
		c.Errors++
		c.mu.Unlock()
		return nil, err
	}

	metrics.Get().SnapshotsCreatedTotal.Inc()
	return &Snapshot{Name: name, ImageID: strings.TrimSpace(out), Timestamp: now}, nil
}

// GetResourceUsage samples the container's consumption via docker stats.
func (m *Manager) GetResourceUsage(ctx context.Context, sessionID string) (*ResourceUsage, error) {
	c, err := m.running(sessionID)
	if err != nil {
		return nil, err
	}

	remote := fmt.Sprintf(`docker stats --no-stream --format "{{.CPUPerc}}|{{.MemUsage}}|{{.NetIO}}|{{.BlockIO}}" %s`, c.Name)
	out, err := m.runner.Run(ctx, remote, defaultCmdTimeout)
	if err != nil {
		return nil, err
	}

	usage := &ResourceUsage{Uptime: time.Since(c.CreatedAt)}
	parts := strings.SplitN(strings.TrimSpace(out), "|", 4)
	if len(parts) == 4 {
		usage.CPU = strings.TrimSpace(parts[0])
		usage.Memory = strings.TrimSpace(parts[1])
		usage.Network = strings.TrimSpace(parts[2])
		usage.Disk = strings.TrimSpace(parts[3])
	}
	return usage, nil
}

// DestroyContainer tears down the session's container. Idempotent: a
// second call returns the original result.
func (m *Manager) DestroyContainer(ctx context.Context, sessionID, reason string) (*DestroyResult, error) {
	m.mu.Lock()
	c, ok := m.containers[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoContainer
	}

	c.mu.Lock()
	if c.Status == StatusDestroyed {
		res := c.destroyResult
		c.mu.Unlock()
		return res, nil
	}
	c.Status = StatusDestroyed
	if c.lifetimeTimer != nil {
		c.lifetimeTimer.Stop()
	}
	lifetime := time.Since(c.CreatedAt)
	c.destroyResult = &DestroyResult{OK: true, Lifetime: lifetime}
	c.mu.Unlock()

	_, err := m.runner.Run(ctx, "docker rm -f "+c.Name, defaultCmdTimeout)
	if err != nil {
		m.log.Warnw("container removal reported error", "session", sessionID, "name", c.Name, "error", err)
	}

	// The record stays in the map so a repeat destroy observes the same
	// result; a later CreateContainer for the session overwrites it.
	m.releaseSlot()

	metrics.Get().ContainersDestroyed.WithLabelValues(reason).Inc()
	m.mu.Lock()
	metrics.Get().ContainersActive.Set(float64(m.active))
	m.mu.Unlock()

	m.log.Infow("container destroyed", "session", sessionID, "name", c.Name, "reason", reason, "lifetime", lifetime)
	return c.destroyResult, nil
}

// CleanupAll destroys every container in the pool.
func (m *Manager) CleanupAll(ctx context.Context) CleanupResult {
	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	res := CleanupResult{Total: len(ids)}
	for _, id := range ids {
		if _, err := m.DestroyContainer(ctx, id, "cleanup"); err != nil {
			res.Failed++
		} else {
			res.OK++
		}
	}
	return res
}

// HealthCheck verifies the remote engine answers.
func (m *Manager) HealthCheck(ctx context.Context) HealthStatus {
	out, err := m.runner.Run(ctx, `docker version --format "{{.Server.Version}}"`, defaultCmdTimeout)
	if err != nil {
		return HealthStatus{Healthy: false, Error: err.Error()}
	}
	return HealthStatus{Healthy: true, EngineVersion: strings.TrimSpace(out)}
}

// Status reports the pool's current shape.
func (m *Manager) Status() PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := PoolStatus{Active: m.active, Queued: len(m.queue), Max: m.cfg.MaxConcurrent}
	for _, c := range m.containers {
		c.mu.Lock()
		st.Containers = append(st.Containers, ContainerInfo{
			SessionID:        c.SessionID,
			Name:             c.Name,
			Status:           c.Status,
			CreatedAt:        c.CreatedAt,
			AgeSeconds:       time.Since(c.CreatedAt).Seconds(),
			CommandsExecuted: c.CommandsExecuted,
			FilesCreated:     c.FilesCreated,
			FilesRead:        c.FilesRead,
			Errors:           c.Errors,
		})
		c.mu.Unlock()
	}
	return st
}

// Get returns the session's container, running or not.
func (m *Manager) Get(sessionID string) *Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.containers[sessionID]
}

// Close stops the reaper and the transport.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return m.runner.Close()
}

// --- slot accounting ---

func (m *Manager) acquireSlot(ctx context.Context) error {
	m.mu.Lock()
	if m.active < m.cfg.MaxConcurrent {
		m.active++
		m.mu.Unlock()
		return nil
	}
	if len(m.queue) >= maxQueuedCreations {
		m.mu.Unlock()
		return ErrQueueFull
	}
	entry := &queueEntry{ready: make(chan struct{}), enqueued: time.Now()}
	m.queue = append(m.queue, entry)
	metrics.Get().ContainerQueueLength.Set(float64(len(m.queue)))
	m.mu.Unlock()

	select {
	case <-entry.ready:
		metrics.Get().ContainerQueueWait.Observe(time.Since(entry.enqueued).Seconds())
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		if entry.granted {
			// Slot was handed over while we were cancelling; give it back.
			m.releaseSlotLocked()
		} else {
			for i, e := range m.queue {
				if e == entry {
					m.queue = append(m.queue[:i], m.queue[i+1:]...)
					break
				}
			}
			metrics.Get().ContainerQueueLength.Set(float64(len(m.queue)))
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

func (m *Manager) releaseSlot() {
	m.mu.Lock()
	m.releaseSlotLocked()
	m.mu.Unlock()
}

// releaseSlotLocked transfers the freed slot to the next queued waiter,
// keeping the active count unchanged; with no waiters it decrements.
func (m *Manager) releaseSlotLocked() {
	if len(m.queue) > 0 {
		head := m.queue[0]
		m.queue = m.queue[1:]
		head.granted = true
		close(head.ready)
		metrics.Get().ContainerQueueLength.Set(float64(len(m.queue)))
		return
	}
	if m.active > 0 {
		m.active--
	}
}

// --- reaper ---

func (m *Manager) reaperLoop() {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapStale()
		}
	}
}

func (m *Manager) reapStale() {
	cutoff := m.cfg.MaxLifetime + reaperGrace
	m.mu.Lock()
	var stale []string
	for id, c := range m.containers {
		if c.Status == StatusRunning && time.Since(c.CreatedAt) > cutoff {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.Warnw("reaping stale container", "session", id)
		m.DestroyContainer(context.Background(), id, "stale")
	}
}

// --- helpers ---

func (m *Manager) running(sessionID string) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[sessionID]
	if !ok || c.Status != StatusRunning {
		return nil, ErrNoContainer
	}
	return c, nil
}

func splitExitMarker(out string) (string, int) {
	idx := strings.LastIndex(out, "__EXIT__:")
	if idx < 0 {
		return out, 0
	}
	code, err := strconv.Atoi(strings.TrimSpace(out[idx+len("__EXIT__:"):]))
	if err != nil {
		code = 0
	}
	return strings.TrimSuffix(out[:idx], "\n"), code
}

// cleanContainerPath normalizes a builder-supplied path and rejects
// anything that would escape the workspace root.
func cleanContainerPath(p string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	trimmed = strings.TrimPrefix(trimmed, "./")
	if trimmed == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(trimmed, "/") {
		return "", fmt.Errorf("absolute path %q not allowed", p)
	}
	cleaned := path.Clean(trimmed)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(cleaned, "/../") {
		return "", fmt.Errorf("path %q escapes workspace", p)
	}
	return cleaned, nil
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sanitizeSessionID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func dropSpace(r rune) rune {
	switch r {
	case '\n', '\r', ' ', '\t':
		return -1
	}
	return r
}
