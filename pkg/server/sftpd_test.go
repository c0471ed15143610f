package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testKeypair generates a client keypair, returning the signer and the
// authorized_keys line for the public half.
func testKeypair(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return signer, ssh.MarshalAuthorizedKey(sshPub)
}

func startTestServer(t *testing.T, authorized []byte) *SFTPServer {
	t.Helper()
	srv, err := NewSFTPServer(SFTPServerConfig{
		Root:          t.TempDir(),
		AuthorizedKey: authorized,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func dialSFTP(t *testing.T, srv *SFTPServer, signer ssh.Signer) *sftp.Client {
	t.Helper()
	conn, err := ssh.Dial("tcp", srv.Addr, &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	client, err := sftp.NewClient(conn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSFTPRoundTrip(t *testing.T) {
	signer, authorized := testKeypair(t)
	srv := startTestServer(t, authorized)
	if !srv.Alive() {
		t.Fatal("server not alive after start")
	}

	client := dialSFTP(t, srv, signer)

	f, err := client.Create("hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	// The file lands inside the configured root on disk.
	data, err := os.ReadFile(filepath.Join(srv.cfg.Root, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}

	// And reads back over the wire.
	rf, err := client.Open("hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	buf := make([]byte, 16)
	n, _ := rf.Read(buf)
	if string(buf[:n]) != "payload" {
		t.Errorf("read back %q", buf[:n])
	}
}

func TestSFTPRejectsUnknownKey(t *testing.T) {
	_, authorized := testKeypair(t)
	srv := startTestServer(t, authorized)

	wrongSigner, _ := testKeypair(t)
	_, err := ssh.Dial("tcp", srv.Addr, &ssh.ClientConfig{
		User:            "tester",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(wrongSigner)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err == nil {
		t.Fatal("unknown key authenticated")
	}
}

func TestSFTPStopIdempotent(t *testing.T) {
	_, authorized := testKeypair(t)
	srv := startTestServer(t, authorized)

	ctx := context.Background()
	if err := srv.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if srv.Alive() {
		t.Error("alive after stop")
	}
}

func TestSFTPServerValidation(t *testing.T) {
	if _, err := NewSFTPServer(SFTPServerConfig{AuthorizedKey: []byte("k")}); err == nil {
		t.Error("missing root accepted")
	}
	if _, err := NewSFTPServer(SFTPServerConfig{Root: "/tmp"}); err == nil {
		t.Error("missing authorized key accepted")
	}
	if _, err := NewSFTPServer(SFTPServerConfig{Root: "/tmp", AuthorizedKey: []byte("not a key")}); err == nil {
		t.Error("garbage authorized key accepted")
	}
}

func TestSSHServerValidation(t *testing.T) {
	if _, err := NewSSHServer(SSHServerConfig{PublicKey: "k", DataPath: "/tmp", User: "root"}); err != ErrRootUser {
		t.Error("root user accepted")
	}
	if _, err := NewSSHServer(SSHServerConfig{PublicKey: "k", PublicKeyFile: "/tmp/k", DataPath: "/tmp"}); err == nil {
		t.Error("both key sources accepted")
	}
	if _, err := NewSSHServer(SSHServerConfig{PublicKey: "k"}); err == nil {
		t.Error("missing data path accepted")
	}
}

func TestSSHServerContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	if _, err := os.Stat("/var/run/docker.sock"); err != nil {
		t.Skip("docker not available")
	}

	_, authorized := testKeypair(t)
	srv, err := NewSSHServer(SSHServerConfig{
		PublicKey: string(authorized),
		DataPath:  t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())

	if !srv.Alive() {
		t.Error("container not running")
	}
	if srv.Port == 0 || srv.Host == "" {
		t.Errorf("endpoint not resolved: %s:%d", srv.Host, srv.Port)
	}
	if cmdline := srv.SSHCommand(); cmdline == "" {
		t.Error("empty ssh command")
	}
}
