package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ablator-hub/rmount/pkg/backend"
	"github.com/ablator-hub/rmount/pkg/logtap"
	"github.com/ablator-hub/rmount/pkg/rmount"
	"github.com/ablator-hub/rmount/pkg/server"
)

func main() {
	cmd := &cli.Command{
		Name:  "rmount",
		Usage: "Supervised remote storage mounts over rclone",
		Commands: []*cli.Command{
			mountCommand(),
			serveCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func mountCommand() *cli.Command {
	return &cli.Command{
		Name:  "mount",
		Usage: "Mount a remote and supervise it until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Supervision options file (YAML)",
			},
			&cli.StringFlag{
				Name:     "mountpoint",
				Aliases:  []string{"m"},
				Usage:    "Local directory to mount onto",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "remote-path",
				Aliases:  []string{"r"},
				Usage:    "Path within the remote storage",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Remote type: sftp or s3",
				Value: "sftp",
			},
			&cli.DurationFlag{
				Name:  "refresh-interval",
				Usage: "Remote poll and cache refresh interval",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Pass verbose logging through to rclone",
			},
			&cli.StringFlag{
				Name:  "report-dir",
				Usage: "Directory for failure reports",
			},

			// sftp backend
			&cli.StringFlag{Name: "host", Usage: "SSH host"},
			&cli.StringFlag{Name: "user", Usage: "SSH user", Value: "admin"},
			&cli.IntFlag{Name: "port", Usage: "SSH port", Value: 22},
			&cli.StringFlag{Name: "key-file", Usage: "SSH private key file"},

			// s3 backend
			&cli.StringFlag{Name: "provider", Usage: "S3 provider name", Value: "AWS"},
			&cli.StringFlag{Name: "access-key-id", Usage: "S3 access key id"},
			&cli.StringFlag{Name: "secret-access-key", Usage: "S3 secret access key"},
			&cli.StringFlag{Name: "region", Usage: "S3 region"},
			&cli.StringFlag{Name: "endpoint", Usage: "S3 endpoint override"},
			&cli.BoolFlag{Name: "env-auth", Usage: "Resolve S3 credentials from the environment"},
		},
		Action: runMount,
	}
}

func runMount(ctx context.Context, cmd *cli.Command) error {
	logtap.Init()
	logger := logtap.Default()

	opts := rmount.DefaultOptions()
	if path := cmd.String("config"); path != "" {
		loaded, err := rmount.LoadOptions(path)
		if err != nil {
			return fmt.Errorf("load options: %w", err)
		}
		opts = loaded
	}
	opts.Logger = logger

	cfg, err := backendConfig(ctx, cmd)
	if err != nil {
		return err
	}

	mounter := &backend.Mounter{
		Config:          cfg,
		RemotePath:      cmd.String("remote-path"),
		Mountpoint:      cmd.String("mountpoint"),
		RefreshInterval: cmd.Duration("refresh-interval"),
		Verbose:         cmd.Bool("verbose"),
	}
	spec, err := mounter.Spec()
	if err != nil {
		return err
	}
	if err := mounter.Verify(ctx); err != nil {
		return err
	}

	if dir := cmd.String("report-dir"); dir != "" {
		reporter := logtap.NewReporter(dir, nil, logger)
		opts.OnFailure = func(ferr error) {
			report := &logtap.FailureReport{
				Mountpoint: spec.Mountpoint,
				Error:      ferr.Error(),
			}
			var exhausted *rmount.RestartsExhaustedError
			if errors.As(ferr, &exhausted) {
				report.Attempts = exhausted.Attempts
			}
			if err := reporter.Report(context.Background(), report); err != nil {
				logger.Warn("failure report not written", "error", err)
			}
		}
	}

	sup, err := rmount.New(spec, opts)
	if err != nil {
		return err
	}

	registry := rmount.NewRegistry(logger)
	if err := registry.Add(spec.Mountpoint, sup); err != nil {
		return err
	}
	registry.HandleSignals(opts.ShutdownGrace + 30*time.Second)

	if err := sup.Mount(ctx); err != nil {
		return err
	}
	logger.Info("mounted, supervising", "mountpoint", spec.Mountpoint)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sigCtx.Done():
			return nil
		case <-ticker.C:
			if sup.State() == rmount.StateFailed {
				return fmt.Errorf("mount failed permanently")
			}
		}
	}
}

func backendConfig(ctx context.Context, cmd *cli.Command) (backend.Config, error) {
	switch cmd.String("backend") {
	case "sftp":
		if cmd.String("host") == "" {
			return nil, fmt.Errorf("sftp backend requires --host")
		}
		return &backend.Remote{
			Host:    cmd.String("host"),
			User:    cmd.String("user"),
			Port:    int(cmd.Int("port")),
			KeyFile: cmd.String("key-file"),
		}, nil
	case "s3":
		cfg := &backend.S3{
			Provider:        cmd.String("provider"),
			AccessKeyID:     cmd.String("access-key-id"),
			SecretAccessKey: cmd.String("secret-access-key"),
			Region:          cmd.String("region"),
			Endpoint:        cmd.String("endpoint"),
			EnvAuth:         cmd.Bool("env-auth"),
		}
		bucket := bucketOf(cmd.String("remote-path"))
		if bucket != "" {
			if err := cfg.Preflight(ctx, bucket); err != nil {
				return nil, err
			}
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cmd.String("backend"))
	}
}

// bucketOf extracts the bucket from a remote path like "bucket/prefix".
func bucketOf(remotePath string) string {
	for i := 0; i < len(remotePath); i++ {
		if remotePath[i] == '/' {
			return remotePath[:i]
		}
	}
	return remotePath
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run an SSH/SFTP server that mounts can point at",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "data-path",
				Usage:    "Directory served to clients",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "public-key-file",
				Usage: "Authorized public key file",
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "SSH user",
				Value: "admin",
			},
			&cli.BoolFlag{
				Name:  "in-process",
				Usage: "Serve SFTP in process instead of a Docker container",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address for the in-process server",
				Value: "127.0.0.1:2222",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	logtap.Init()
	logger := logtap.Default()

	keyFile := cmd.String("public-key-file")
	if keyFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		keyFile = home + "/.ssh/id_rsa.pub"
	}

	var res rmount.Resource
	if cmd.Bool("in-process") {
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		srv, err := server.NewSFTPServer(server.SFTPServerConfig{
			Addr:          cmd.String("addr"),
			Root:          cmd.String("data-path"),
			AuthorizedKey: key,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		res = srv
	} else {
		srv, err := server.NewSSHServer(server.SSHServerConfig{
			PublicKeyFile: keyFile,
			DataPath:      cmd.String("data-path"),
			User:          cmd.String("user"),
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		res = srv
	}

	if err := res.Start(ctx); err != nil {
		return err
	}
	if srv, ok := res.(*server.SSHServer); ok {
		logger.Info("connect with", "command", srv.SSHCommand())
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return res.Stop(shutdownCtx)
		case <-ticker.C:
			if !res.Alive() {
				return fmt.Errorf("server died")
			}
		}
	}
}
