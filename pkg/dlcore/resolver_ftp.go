package dlcore

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// scoreFTP is the FTP/SFTP resolver's score.
const scoreFTP uint8 = 70

// FTPResolver parses ftp://, ftps:// and sftp:// URLs. Any userinfo
// credentials are stripped from the resource URI before it can reach the
// durable store; the username is retained in Meta, and the password (if
// any) is handed to the resolve context's credential vault, keyed by the
// clean URI, for drivers to retrieve later.
type FTPResolver struct{}

func NewFTPResolver() *FTPResolver { return &FTPResolver{} }

func (r *FTPResolver) Name() string { return "ftp" }

func (r *FTPResolver) CanHandle(input LinkInput) uint8 {
	u, err := url.Parse(input.Raw)
	if err != nil {
		return 0
	}
	switch strings.ToLower(u.Scheme) {
	case "ftp", "ftps", "sftp":
		return scoreFTP
	default:
		return 0
	}
}

func (r *FTPResolver) Resolve(ctx context.Context, input LinkInput, rctx ResolveContext) (ResolveResult, error) {
	u, err := url.Parse(input.Raw)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("ftp resolver: parse %q: %w", input.Raw, err)
	}

	username := "anonymous"
	if u.User != nil && u.User.Username() != "" {
		username = u.User.Username()
	}

	scheme := strings.ToLower(u.Scheme)
	rtype := ResourceFTP
	if scheme == "sftp" {
		rtype = ResourceSFTP
	}

	clean := StripURLCredentials(u.String())

	if u.User != nil {
		if password, ok := u.User.Password(); ok && rctx.Vault != nil {
			if err := rctx.Vault.Store(clean, password); err != nil {
				return ResolveResult{}, fmt.Errorf("ftp resolver: store credential: %w", err)
			}
		}
	}

	name := SanitizeFilename(path.Base(u.Path))
	if name == "." || name == "/" || name == "" {
		name = "download"
	}

	draft := DownloadItemDraft{
		DisplayName:   name,
		SuggestedPath: name,
		Resources: []ResourceDescriptor{
			{
				Type: rtype,
				URI:  clean,
				Meta: map[string]string{
					"ftp_user": username,
					"is_tls":   boolStr(scheme == "ftps"),
				},
				Caps: Capabilities{SupportsRanges: false},
			},
		},
	}
	return ResolveResult{Drafts: []DownloadItemDraft{draft}}, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
