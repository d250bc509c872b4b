package dlcore

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	ftpserver "github.com/fclairamb/ftpserverlib"
	"github.com/spf13/afero"
)

// testFTPDriver is a minimal ftpserver.MainDriver backed by an in-memory fs,
// just enough to exercise anonymous login and file retrieval.
type testFTPDriver struct {
	fs       afero.Fs
	listener net.Listener
}

func (d *testFTPDriver) GetSettings() (*ftpserver.Settings, error) {
	return &ftpserver.Settings{Listener: d.listener, IdleTimeout: 30}, nil
}

func (d *testFTPDriver) ClientConnected(_ ftpserver.ClientContext) (string, error) {
	return "welcome", nil
}

func (d *testFTPDriver) ClientDisconnected(_ ftpserver.ClientContext) {}

func (d *testFTPDriver) AuthUser(_ ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	if user == "anonymous" && pass == "anonymous" {
		return afero.NewBasePathFs(d.fs, "/"), nil
	}
	if user == "bob" && pass == "s3cret" {
		return afero.NewBasePathFs(d.fs, "/"), nil
	}
	return nil, fmt.Errorf("invalid credentials")
}

func (d *testFTPDriver) GetTLSConfig() (*tls.Config, error) { return nil, nil }

func startMockFTPServer(t *testing.T, content []byte) (addr string, cleanup func()) {
	t.Helper()

	memFs := afero.NewMemMapFs()
	if err := afero.WriteFile(memFs, "/pub/testfile.bin", content, DefaultFileMode); err != nil {
		t.Fatalf("seed ftp fixture file: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := ftpserver.NewFtpServer(&testFTPDriver{fs: memFs, listener: listener})
	go server.ListenAndServe()
	time.Sleep(100 * time.Millisecond)

	return listener.Addr().String(), func() { server.Stop() }
}

func TestFTPWholeFileDriverDownloadsAnonymousFile(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, 4096)
	addr, cleanup := startMockFTPServer(t, content)
	defer cleanup()

	d := NewFTPWholeFileDriver(NewCredentialVault())
	targetPath := filepath.Join(t.TempDir(), "out.bin")

	res := ResourceDescriptor{
		Type: ResourceFTP,
		URI:  fmt.Sprintf("ftp://%s/pub/testfile.bin", addr),
		Meta: map[string]string{"ftp_user": "anonymous"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.DownloadWhole(ctx, res, DriverContext{}, targetPath, nil); err != nil {
		t.Fatalf("download whole: %v", err)
	}

	got, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %d bytes, want %d bytes", len(got), len(content))
	}
}

func TestFTPWholeFileDriverRejectsBadCredentials(t *testing.T) {
	addr, cleanup := startMockFTPServer(t, []byte("x"))
	defer cleanup()

	// No vault entry for this resource, and a non-anonymous username, so the
	// driver falls back to a password the mock server will reject.
	d := NewFTPWholeFileDriver(NewCredentialVault())
	targetPath := filepath.Join(t.TempDir(), "out.bin")

	res := ResourceDescriptor{
		Type: ResourceFTP,
		URI:  fmt.Sprintf("ftp://%s/pub/testfile.bin", addr),
		Meta: map[string]string{"ftp_user": "someoneelse"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.DownloadWhole(ctx, res, DriverContext{}, targetPath, nil); err == nil {
		t.Fatal("expected login failure")
	}
}

// TestFTPResolverAndDriverHandleNonAnonymousCredentials exercises the full
// path a real credentialed link takes: the resolver strips the userinfo from
// the URI and stores the password in the vault, and the whole-file driver
// later retrieves it from the vault (keyed by the same clean URI) to log in.
func TestFTPResolverAndDriverHandleNonAnonymousCredentials(t *testing.T) {
	content := bytes.Repeat([]byte{0xCD}, 2048)
	addr, cleanup := startMockFTPServer(t, content)
	defer cleanup()

	vault := NewCredentialVault()
	resolver := NewFTPResolver()

	raw := fmt.Sprintf("ftp://bob:s3cret@%s/pub/testfile.bin", addr)
	result, err := resolver.Resolve(context.Background(), LinkInput{Raw: raw}, ResolveContext{Vault: vault})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(result.Drafts) != 1 {
		t.Fatalf("expected one draft, got %d", len(result.Drafts))
	}
	res := result.Drafts[0].Resources[0]

	if res.URI != fmt.Sprintf("ftp://%s/pub/testfile.bin", addr) {
		t.Fatalf("expected credential-stripped URI, got %q", res.URI)
	}
	if res.Meta["ftp_user"] != "bob" {
		t.Fatalf("expected ftp_user=bob, got %q", res.Meta["ftp_user"])
	}
	if _, ok := vault.Lookup(res.URI); !ok {
		t.Fatal("expected password to be stored in vault under the clean URI")
	}

	d := NewFTPWholeFileDriver(vault)
	targetPath := filepath.Join(t.TempDir(), "out.bin")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.DownloadWhole(ctx, res, DriverContext{}, targetPath, nil); err != nil {
		t.Fatalf("download whole: %v", err)
	}

	got, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %d bytes, want %d bytes", len(got), len(content))
	}
}
