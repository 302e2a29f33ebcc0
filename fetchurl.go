// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrNoScheme indicates that the URL does not carry a `scheme://` prefix.
var ErrNoScheme = errors.New("fop: URL has no scheme")

// SFTPAuth holds the authentication material extracted from an SFTP URL.
//
// The first non-empty credential wins, in this order: private key file
// (with optional passphrase), public key file (used as a secondary key
// source, with Passphrase reused as its passphrase), then username plus
// password.
type SFTPAuth struct {
	// User is the login user name.
	User string

	// Password is the login password.
	Password string

	// PublicKeyFile is the path of a secondary key file.
	PublicKeyFile string

	// PrivateKeyFile is the path of the private key file.
	PrivateKeyFile string

	// Passphrase optionally protects the key files.
	Passphrase string
}

// FetchURL is the parsed form of a fetch URL.
//
// For `ipfs://` URLs the authority is a content identifier rather than a
// network host, so CID and CIDPath are set instead of Host.
type FetchURL struct {
	// Scheme is the lowercase URL scheme ("file", "https", "sftp", "ipfs").
	Scheme string

	// Host is the authority (host or host:port) for network schemes.
	Host string

	// Path is the URL path (absolute for network schemes).
	Path string

	// SFTP carries the credentials for `sftp://` URLs, nil otherwise.
	SFTP *SFTPAuth

	// CID is the root content identifier for `ipfs://` URLs.
	CID string

	// CIDPath is the intra-DAG relative name for `ipfs://` URLs.
	CIDPath string

	// Raw is the original unparsed URL.
	Raw string
}

// Basename returns the base name of the URL path, which single-file
// transports use as the bundle entry name.
func (u *FetchURL) Basename() string {
	if u.Scheme == "ipfs" {
		return u.CIDPath
	}
	return path.Base(u.Path)
}

// ParseFetchURL parses a fetch URL into its scheme-specific fields.
//
// IPFS URLs are split by hand rather than with [url.Parse] because the
// authority is a case-sensitive CID, not a host name.
func ParseFetchURL(raw string) (*FetchURL, error) {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found || scheme == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoScheme, raw)
	}
	scheme = strings.ToLower(scheme)

	if scheme == "ipfs" {
		cid, cidPath, _ := strings.Cut(rest, "/")
		return &FetchURL{
			Scheme:  scheme,
			CID:     cid,
			CIDPath: cidPath,
			Raw:     raw,
		}, nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	out := &FetchURL{
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Raw:    raw,
	}
	if scheme == "sftp" {
		password, _ := parsed.User.Password()
		query := parsed.Query()
		out.SFTP = &SFTPAuth{
			User:           parsed.User.Username(),
			Password:       password,
			PublicKeyFile:  query.Get("pubkey"),
			PrivateKeyFile: query.Get("privkey"),
			Passphrase:     query.Get("passphrase"),
		}
		out.Host = parsed.Hostname()
	}
	return out, nil
}

// suffixOf returns the suffix used for parser lookup: the last `.`-delimited
// segment of the basename, including the leading dot. Returns an empty
// string when the basename has no dot.
func suffixOf(name string) string {
	base := path.Base(name)
	idx := strings.LastIndex(base, ".")
	if idx < 0 {
		return ""
	}
	return base[idx:]
}
