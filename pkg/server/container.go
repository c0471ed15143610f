// Package server provides SSH/SFTP servers that a mount can be pointed at:
// a Docker-based OpenSSH server and a lighter in-process SFTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ablator-hub/rmount/pkg/logtap"
)

const (
	sshImage = "lscr.io/linuxserver/openssh-server:latest"
	// The image serves SSH on this port inside the container.
	sshPort = "2222/tcp"
)

// ErrRootUser rejects running the SSH server as root; the image manages its
// own unprivileged user and key setup.
var ErrRootUser = errors.New(`ssh user "root" is not allowed`)

// SSHServerConfig configures a containerized OpenSSH server whose data
// directory is a bind-mounted host path.
type SSHServerConfig struct {
	// PublicKey is the authorized key, verbatim. Exactly one of PublicKey
	// or PublicKeyFile must be set.
	PublicKey     string
	PublicKeyFile string
	// DataPath is the host directory served over SFTP.
	DataPath string
	// RemotePath is where DataPath appears inside the container. Defaults
	// to DataPath so remote paths mirror local ones.
	RemotePath string
	User       string
	// UID and GID own the files the server writes. They default to the
	// current process's IDs so bind-mounted files stay accessible.
	UID    int
	GID    int
	Logger *slog.Logger
}

func (c *SSHServerConfig) validate() error {
	if (c.PublicKey == "") == (c.PublicKeyFile == "") {
		return errors.New("must provide exactly one of PublicKey or PublicKeyFile")
	}
	if c.DataPath == "" {
		return errors.New("data path not set")
	}
	if c.User == "root" {
		return ErrRootUser
	}
	return nil
}

// SSHServer runs an OpenSSH container for mounts to connect to. It is the
// storage side of an end-to-end mount: point a Remote backend at Host and
// Port and the DataPath contents appear behind the mountpoint.
type SSHServer struct {
	cfg       SSHServerConfig
	logger    *slog.Logger
	container testcontainers.Container

	Host string
	Port int
}

// NewSSHServer validates cfg and returns an unstarted server.
func NewSSHServer(cfg SSHServerConfig) (*SSHServer, error) {
	if cfg.User == "" {
		cfg.User = "admin"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = cfg.DataPath
	}
	if cfg.UID == 0 {
		cfg.UID = os.Getuid()
	}
	if cfg.GID == 0 {
		cfg.GID = os.Getgid()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logtap.Default()
	}
	return &SSHServer{cfg: cfg, logger: logger}, nil
}

// Start launches the container and blocks until SSH accepts connections.
func (s *SSHServer) Start(ctx context.Context) error {
	publicKey := s.cfg.PublicKey
	if s.cfg.PublicKeyFile != "" {
		data, err := os.ReadFile(s.cfg.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		publicKey = string(data)
	}
	if err := os.MkdirAll(s.cfg.DataPath, 0o755); err != nil {
		return fmt.Errorf("create data path: %w", err)
	}

	req := testcontainers.ContainerRequest{
		Image:        sshImage,
		ExposedPorts: []string{sshPort},
		Env: map[string]string{
			"PUBLIC_KEY":      publicKey,
			"SUDO_ACCESS":     "true",
			"PASSWORD_ACCESS": "false",
			"USER_NAME":       s.cfg.User,
			"PUID":            strconv.Itoa(s.cfg.UID),
			"PGID":            strconv.Itoa(s.cfg.GID),
		},
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Binds = append(hc.Binds, s.cfg.DataPath+":"+s.cfg.RemotePath+":rw")
		},
		WaitingFor: wait.ForListeningPort(sshPort).WithStartupTimeout(2 * time.Minute),
	}

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("start ssh server container: %w", err)
	}
	s.container = ctr

	host, err := ctr.Host(ctx)
	if err != nil {
		_ = ctr.Terminate(ctx)
		return fmt.Errorf("resolve container host: %w", err)
	}
	mapped, err := ctr.MappedPort(ctx, sshPort)
	if err != nil {
		_ = ctr.Terminate(ctx)
		return fmt.Errorf("resolve container port: %w", err)
	}
	s.Host = host
	s.Port = mapped.Int()
	s.logger.Info("ssh server running", "host", s.Host, "port", s.Port, "user", s.cfg.User)
	return nil
}

// Alive reports whether the container is still running.
func (s *SSHServer) Alive() bool {
	if s.container == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := s.container.State(ctx)
	return err == nil && state.Running
}

// Stop terminates the container.
func (s *SSHServer) Stop(ctx context.Context) error {
	if s.container == nil {
		return nil
	}
	err := s.container.Terminate(ctx)
	s.container = nil
	return err
}

// SSHCommand returns a shell command that connects to the server.
func (s *SSHServer) SSHCommand() string {
	return fmt.Sprintf("ssh -p %d -o StrictHostKeyChecking=no %s@%s", s.Port, s.cfg.User, s.Host)
}
