package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/ablator-hub/rmount/pkg/logtap"
)

// SFTPServerConfig configures the in-process SFTP server. It serves a
// directory over SSH without needing Docker, which makes it the cheap
// counterpart to SSHServer for local use and tests.
type SFTPServerConfig struct {
	// Addr to listen on; ":0" picks a free port.
	Addr string
	// Root is the directory served to clients.
	Root string
	// AuthorizedKey is the only public key allowed to log in, in
	// authorized_keys format.
	AuthorizedKey []byte
	// HostKeyPEM is the server host key. Generated when empty.
	HostKeyPEM []byte
	Logger     *slog.Logger
}

// SFTPServer is a minimal SSH server that speaks only the sftp subsystem.
type SFTPServer struct {
	cfg      SFTPServerConfig
	logger   *slog.Logger
	sshCfg   *ssh.ServerConfig
	listener net.Listener

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup

	Addr string
	Port int
}

// NewSFTPServer validates cfg and prepares the SSH host configuration.
func NewSFTPServer(cfg SFTPServerConfig) (*SFTPServer, error) {
	if cfg.Root == "" {
		return nil, errors.New("root directory not set")
	}
	if len(cfg.AuthorizedKey) == 0 {
		return nil, errors.New("authorized key not set")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logtap.Default()
	}

	allowed, _, _, _, err := ssh.ParseAuthorizedKey(cfg.AuthorizedKey)
	if err != nil {
		return nil, fmt.Errorf("parse authorized key: %w", err)
	}
	allowedMarshaled := string(allowed.Marshal())

	sshCfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == allowedMarshaled {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", conn.User())
		},
	}

	signer, err := hostSigner(cfg.HostKeyPEM)
	if err != nil {
		return nil, err
	}
	sshCfg.AddHostKey(signer)

	return &SFTPServer{
		cfg:    cfg,
		logger: logger,
		sshCfg: sshCfg,
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

func hostSigner(pem []byte) (ssh.Signer, error) {
	if len(pem) > 0 {
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse host key: %w", err)
		}
		return signer, nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}

// Start begins listening and serving connections in the background.
func (s *SFTPServer) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.Port = tcp.Port
	}
	s.logger.Info("sftp server listening", "addr", s.Addr, "root", s.cfg.Root)

	s.wg.Add(1)
	logtap.Go(s.logger, nil, func() {
		defer s.wg.Done()
		s.acceptLoop()
	})
	return nil
}

func (s *SFTPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warn("accept failed", "error", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		logtap.Go(s.logger, nil, func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.handleConn(conn)
		})
	}
}

func (s *SFTPServer) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshCfg)
	if err != nil {
		s.logger.Debug("ssh handshake failed", "error", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			s.logger.Debug("channel accept failed", "error", err)
			continue
		}
		go s.serveSession(channel, requests)
	}
}

// serveSession accepts only the sftp subsystem on the session channel.
func (s *SFTPServer) serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	started := make(chan bool, 1)
	go func(in <-chan *ssh.Request) {
		accepted := false
		for req := range in {
			ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
			if ok && !accepted {
				accepted = true
				started <- true
			}
			req.Reply(ok, nil)
		}
		if !accepted {
			started <- false
		}
	}(requests)

	if !<-started {
		return
	}
	srv, err := sftp.NewServer(channel, sftp.WithServerWorkingDirectory(s.cfg.Root))
	if err != nil {
		s.logger.Warn("sftp session failed", "error", err)
		return
	}
	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug("sftp session ended", "error", err)
	}
	srv.Close()
}

// Alive reports whether the server is accepting connections.
func (s *SFTPServer) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && !s.closed
}

// Stop closes the listener and all live connections and waits for the
// serving goroutines to finish.
func (s *SFTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
