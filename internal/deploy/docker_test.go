package deploy

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeRunner scripts CLI output by matching on the joined command line.
type fakeRunner struct {
	commands []string
	respond  func(cmd string) ([]byte, error)
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.commands = append(f.commands, cmd)
	if f.respond != nil {
		return f.respond(cmd)
	}
	return nil, nil
}

func newFakeManager(respond func(cmd string) ([]byte, error)) (*Manager, *fakeRunner) {
	fr := &fakeRunner{respond: respond}
	m := NewManager(quietLogger())
	m.run = fr.run
	return m, fr
}

func TestNextSlavePortSkipsExisting(t *testing.T) {
	m, _ := newFakeManager(func(cmd string) ([]byte, error) {
		if strings.Contains(cmd, "ps -a") {
			return []byte("mt5-slave1\nmt5-slave3\nmt5-other\n"), nil
		}
		return nil, nil
	})

	port, err := m.NextSlavePort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, basePort+4, port)
}

func TestNextSlavePortEmpty(t *testing.T) {
	m, _ := newFakeManager(func(cmd string) ([]byte, error) {
		return []byte("\n"), nil
	})

	port, err := m.NextSlavePort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, basePort+1, port)
}

func TestContainerExists(t *testing.T) {
	m, _ := newFakeManager(func(cmd string) ([]byte, error) {
		return []byte("mt5-slave1\nmt5-slave12\n"), nil
	})

	exists, err := m.ContainerExists(context.Background(), "slave1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Prefix matches from the docker filter must not count.
	exists, err = m.ContainerExists(context.Background(), "slave2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateSlaveContainer(t *testing.T) {
	m, fr := newFakeManager(func(cmd string) ([]byte, error) {
		switch {
		case strings.Contains(cmd, "ps -a --format {{.Names}} --filter name=mt5-slave4"):
			return []byte(""), nil
		case strings.Contains(cmd, "ps -a"):
			return []byte("mt5-slave1\nmt5-slave2\nmt5-slave3\n"), nil
		case strings.Contains(cmd, "inspect"):
			return []byte("mt5net\n"), nil
		}
		return []byte("ok"), nil
	})

	dep, err := m.CreateSlaveContainer(context.Background(), SlaveRequest{
		Name:     "slave4",
		Login:    5005,
		Password: "pw",
		Server:   "Demo-Server",
	})
	require.NoError(t, err)
	assert.Equal(t, "mt5-slave4", dep.ContainerName)
	assert.Equal(t, basePort+4, dep.Port)

	joined := strings.Join(fr.commands, "\n")
	assert.Contains(t, joined, "volume create mt5-slave4-data")
	assert.Contains(t, joined, "--network mt5net")
	assert.Contains(t, joined, "-p 3104:8001")
	assert.Contains(t, joined, "MT5_LOGIN=5005")
	assert.Contains(t, joined, "MT5_SERVER=Demo-Server")
	assert.Contains(t, joined, defaultImage)
}

func TestCreateSlaveContainerRejectsDuplicate(t *testing.T) {
	m, _ := newFakeManager(func(cmd string) ([]byte, error) {
		return []byte("mt5-slave1\n"), nil
	})

	_, err := m.CreateSlaveContainer(context.Background(), SlaveRequest{Name: "slave1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCreateSlaveContainerRequiresName(t *testing.T) {
	m, _ := newFakeManager(nil)
	_, err := m.CreateSlaveContainer(context.Background(), SlaveRequest{})
	require.Error(t, err)
}

func TestWaitForReady(t *testing.T) {
	m, _ := newFakeManager(func(cmd string) ([]byte, error) {
		if strings.Contains(cmd, "inspect") {
			return []byte("true\n"), nil
		}
		if strings.Contains(cmd, "ss -tuln") {
			return []byte("tcp LISTEN 0 128 0.0.0.0:8001\n"), nil
		}
		return nil, nil
	})

	err := m.WaitForReady(context.Background(), "slave1", time.Minute)
	assert.NoError(t, err)
}

func TestWaitForReadyTimesOut(t *testing.T) {
	m, _ := newFakeManager(func(cmd string) ([]byte, error) {
		return nil, errors.New("no such container")
	})

	err := m.WaitForReady(context.Background(), "slave1", time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestRemoveContainer(t *testing.T) {
	m, fr := newFakeManager(nil)
	require.NoError(t, m.RemoveContainer(context.Background(), "slave2"))

	joined := strings.Join(fr.commands, "\n")
	assert.Contains(t, joined, "rm -f mt5-slave2")
	assert.Contains(t, joined, "volume rm mt5-slave2-data")
}
