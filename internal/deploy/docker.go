// Package deploy provisions MT5 slave terminal containers with the
// local Docker CLI. Each slave gets its own container, data volume and
// published bridge port on the master's network.
package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Container naming and port scheme. Containers are mt5-<name>; the
// bridge listens on bridgePort inside every container and is published
// on basePort+N outside.
const (
	defaultImage    = "gmag11/metatrader5_vnc"
	masterContainer = "mt5-master"
	containerPrefix = "mt5-"
	basePort        = 3100
	bridgePort      = 8001
)

var slaveNameRe = regexp.MustCompile(`^slave(\d+)$`)

// runner executes one CLI command and returns its combined output.
// Swapped out in tests.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// SlaveRequest describes a terminal container to provision.
type SlaveRequest struct {
	Name     string `json:"name"`
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
	Port     int    `json:"port"` // 0 = pick the next free port
}

// SlaveDeployment reports where a provisioned slave is reachable.
type SlaveDeployment struct {
	Name          string `json:"name"`
	ContainerName string `json:"container_name"`
	Port          int    `json:"port"`
}

// Manager drives the Docker CLI. It holds no state of its own; the
// container list is the source of truth.
type Manager struct {
	image string
	run   runner
	log   *logrus.Logger
}

// NewManager creates a manager using the local docker binary.
func NewManager(log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{image: defaultImage, run: execRunner, log: log}
}

// ContainerExists reports whether a container named mt5-<name> exists,
// running or not.
func (m *Manager) ContainerExists(ctx context.Context, name string) (bool, error) {
	out, err := m.run(ctx, "docker", "ps", "-a", "--format", "{{.Names}}",
		"--filter", "name="+containerPrefix+name)
	if err != nil {
		return false, fmt.Errorf("listing containers: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == containerPrefix+name {
			return true, nil
		}
	}
	return false, nil
}

// NextSlavePort scans the existing mt5-slaveN containers and returns
// the port for the next index.
func (m *Manager) NextSlavePort(ctx context.Context) (int, error) {
	out, err := m.run(ctx, "docker", "ps", "-a", "--format", "{{.Names}}",
		"--filter", "name="+containerPrefix+"slave")
	if err != nil {
		return 0, fmt.Errorf("listing slave containers: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	maxIndex := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		name := strings.TrimPrefix(line, containerPrefix)
		match := slaveNameRe.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil && n > maxIndex {
			maxIndex = n
		}
	}
	return basePort + maxIndex + 1, nil
}

// masterNetwork returns the Docker network the master terminal sits on,
// so new slaves can reach the same broker-side services.
func (m *Manager) masterNetwork(ctx context.Context) (string, error) {
	out, err := m.run(ctx, "docker", "inspect", "-f",
		"{{range $k, $v := .NetworkSettings.Networks}}{{$k}}{{end}}", masterContainer)
	if err != nil {
		return "", fmt.Errorf("inspecting %s: %w (%s)", masterContainer, err, strings.TrimSpace(string(out)))
	}
	network := strings.TrimSpace(string(out))
	if network == "" {
		return "", fmt.Errorf("%s has no network", masterContainer)
	}
	return network, nil
}

// CreateSlaveContainer provisions a terminal container for the request
// and returns where its bridge is published.
func (m *Manager) CreateSlaveContainer(ctx context.Context, req SlaveRequest) (*SlaveDeployment, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("deploy: slave name is required")
	}

	exists, err := m.ContainerExists(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("deploy: container %s%s already exists", containerPrefix, req.Name)
	}

	port := req.Port
	if port == 0 {
		if port, err = m.NextSlavePort(ctx); err != nil {
			return nil, err
		}
	}

	network, err := m.masterNetwork(ctx)
	if err != nil {
		return nil, err
	}

	container := containerPrefix + req.Name
	volume := container + "-data"

	if out, err := m.run(ctx, "docker", "volume", "create", volume); err != nil {
		return nil, fmt.Errorf("creating volume %s: %w (%s)", volume, err, strings.TrimSpace(string(out)))
	}

	args := []string{
		"run", "-d",
		"--name", container,
		"--network", network,
		"--restart", "unless-stopped",
		"-p", fmt.Sprintf("%d:%d", port, bridgePort),
		"-v", volume + ":/data",
	}
	if req.Login != 0 {
		args = append(args,
			"-e", fmt.Sprintf("MT5_LOGIN=%d", req.Login),
			"-e", "MT5_PASSWORD="+req.Password,
			"-e", "MT5_SERVER="+req.Server,
		)
	}
	args = append(args, m.image)

	if out, err := m.run(ctx, "docker", args...); err != nil {
		return nil, fmt.Errorf("starting container %s: %w (%s)", container, err, strings.TrimSpace(string(out)))
	}

	m.log.WithFields(logrus.Fields{
		"container": container,
		"port":      port,
		"network":   network,
	}).Info("slave container created")

	return &SlaveDeployment{Name: req.Name, ContainerName: container, Port: port}, nil
}

// WaitForReady polls until the container is running and its bridge
// port is listening, or the timeout elapses. The terminal takes a
// while to boot under Wine, so the poll interval is coarse.
func (m *Manager) WaitForReady(ctx context.Context, name string, timeout time.Duration) error {
	container := containerPrefix + name
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		out, err := m.run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", container)
		if err == nil && strings.TrimSpace(string(out)) == "true" {
			listen, err := m.run(ctx, "docker", "exec", container, "ss", "-tuln")
			if err == nil && strings.Contains(string(listen), fmt.Sprintf(":%d", bridgePort)) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return fmt.Errorf("deploy: container %s not ready after %s", container, timeout)
}

// RemoveContainer force-removes a slave container and its data volume.
func (m *Manager) RemoveContainer(ctx context.Context, name string) error {
	container := containerPrefix + name

	if out, err := m.run(ctx, "docker", "rm", "-f", container); err != nil {
		return fmt.Errorf("removing container %s: %w (%s)", container, err, strings.TrimSpace(string(out)))
	}
	if out, err := m.run(ctx, "docker", "volume", "rm", container+"-data"); err != nil {
		// The volume may never have existed; log and carry on.
		m.log.WithField("volume", container+"-data").Warnf("volume removal failed: %s", strings.TrimSpace(string(out)))
	}

	m.log.WithField("container", container).Info("slave container removed")
	return nil
}
