package dlcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPWholeFileDriver downloads an entire file over FTP/FTPS in a single
// stream. It is opaque to the fragment machinery: there is no .partial
// staging here, and a crash mid-transfer simply restarts from scratch on
// the next run (sub-fragment resume for FTP is out of scope).
type FTPWholeFileDriver struct {
	vault *CredentialVault
}

func NewFTPWholeFileDriver(vault *CredentialVault) *FTPWholeFileDriver {
	return &FTPWholeFileDriver{vault: vault}
}

func (d *FTPWholeFileDriver) Name() string { return "ftp" }

func (d *FTPWholeFileDriver) Supports(res ResourceDescriptor) bool {
	return res.Type == ResourceFTP
}

func (d *FTPWholeFileDriver) DownloadWhole(ctx context.Context, res ResourceDescriptor, dctx DriverContext, targetPath string, options map[string]string) error {
	return retryWholeFile(ctx, dctx, func() error {
		return d.downloadOnce(ctx, res, dctx, targetPath)
	})
}

func (d *FTPWholeFileDriver) downloadOnce(ctx context.Context, res ResourceDescriptor, dctx DriverContext, targetPath string) error {
	u, err := url.Parse(res.URI)
	if err != nil {
		return NewPermanentError("ftp", "parse-uri", err)
	}

	username := res.Meta["ftp_user"]
	if username == "" {
		username = "anonymous"
	}
	password := "anonymous"
	if d.vault != nil {
		if p, ok := d.vault.Lookup(res.URI); ok {
			password = p
		}
	}

	addr := u.Host
	if u.Port() == "" {
		addr = fmt.Sprintf("%s:21", u.Host)
	}

	dialOpts := []ftp.DialOption{ftp.DialWithContext(ctx), ftp.DialWithTimeout(30 * time.Second)}
	if res.Meta["is_tls"] == "true" {
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: u.Hostname()}))
	}

	conn, err := ftp.Dial(addr, dialOpts...)
	if err != nil {
		return NewTransientError("ftp", "connect", err)
	}
	defer conn.Quit()

	if err := conn.Login(username, password); err != nil {
		return NewPermanentError("ftp", "login", err)
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return NewTransientError("ftp", "retr", err)
	}
	defer resp.Close()

	if dir := filepath.Dir(targetPath); dir != "." {
		if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
			return fmt.Errorf("ftp: create target directory: %w", err)
		}
	}

	out, err := os.OpenFile(targetPath, osO_RDWR_CREATE_TRUNC, DefaultFileMode)
	if err != nil {
		return fmt.Errorf("ftp: create target file: %w", err)
	}
	defer out.Close()

	if _, err := copyAll(&progressWriter{w: out, report: dctx.Progress}, resp); err != nil {
		return NewTransientError("ftp", "copy", err)
	}
	return out.Sync()
}
