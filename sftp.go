// SPDX-License-Identifier: GPL-3.0-or-later

package fop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/bassosimone/safeconn"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPStage is the progress vocabulary of the [*SFTPLoader].
//
// Earlier revisions of this machine reported bare integer codes; the
// symbolic stages carry the same information and [SFTPStage.LegacyCode]
// preserves the historical mapping for external consumers.
type SFTPStage string

const (
	// SFTPStageConnecting: TCP connect started (legacy code 1).
	SFTPStageConnecting = SFTPStage("connecting")

	// SFTPStageConnected: TCP connect succeeded (legacy code 2).
	SFTPStageConnected = SFTPStage("connected")

	// SFTPStageHandshake: SSH handshake succeeded (legacy code 3).
	SFTPStageHandshake = SFTPStage("ssh-handshake")

	// SFTPStageAuthenticated: authentication succeeded (legacy code 4).
	SFTPStageAuthenticated = SFTPStage("authenticated")

	// SFTPStageSessionOpen: SFTP subsystem initialised (legacy code 5).
	SFTPStageSessionOpen = SFTPStage("sftp-session")

	// SFTPStageFileOpen: remote file opened (legacy code 6).
	SFTPStageFileOpen = SFTPStage("file-open")

	// SFTPStageReading: size known, chunked reads running (legacy code 7).
	SFTPStageReading = SFTPStage("reading")

	// SFTPStageCompleted: whole file read (legacy code 0).
	SFTPStageCompleted = SFTPStage("completed")
)

// LegacyCode returns the integer progress code historically associated
// with this stage, or -128 for an unknown stage.
func (s SFTPStage) LegacyCode() int {
	switch s {
	case SFTPStageConnecting:
		return 1
	case SFTPStageConnected:
		return 2
	case SFTPStageHandshake:
		return 3
	case SFTPStageAuthenticated:
		return 4
	case SFTPStageSessionOpen:
		return 5
	case SFTPStageFileOpen:
		return 6
	case SFTPStageReading:
		return 7
	case SFTPStageCompleted:
		return 0
	default:
		return -128
	}
}

// SFTPLegacyFailureCode returns the negative integer code historically
// associated with a failure at the given stage, or -128 when the kind is
// not an SFTP failure.
func SFTPLegacyFailureCode(kind FailureKind) int {
	switch kind {
	case FailConnect:
		return -1
	case FailSSHHandshake:
		return -2
	case FailSSHAuth:
		return -3
	case FailSFTPInit:
		return -4
	case FailSFTPOpen:
		return -5
	case FailSFTPStat:
		return -6
	case FailSFTPRead:
		return -7
	default:
		return -128
	}
}

// NewSFTPLoader returns a new [*SFTPLoader].
//
// The cfg argument contains the common configuration for fop operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewSFTPLoader(cfg *Config, logger SLogger) *SFTPLoader {
	return &SFTPLoader{
		Config:   cfg,
		Logger:   logger,
		ReadFile: os.ReadFile,
	}
}

// SFTPLoader fetches `sftp://` URLs.
//
// Stages: resolve → connect → SSH handshake and authentication → SFTP
// subsystem init → open → stat → sized chunked reads. The underlying
// libraries pump the SSH transport on their own goroutines, so each stage
// is a context-aware blocking call on the handler goroutine; the caller
// still observes the per-stage progress tags, delivered on the loop.
//
// Authentication precedence (first non-empty credential wins): private key
// file with optional passphrase, public-key file reused as a key source
// with the passphrase field as its passphrase, then username + password.
//
// Every failure path tears down the open file handle, the SFTP session,
// and the SSH connection before the terminal callback fires.
type SFTPLoader struct {
	// Config contains the common configuration.
	//
	// Set by [NewSFTPLoader] to the user-provided [*Config].
	Config *Config

	// HostKeyCallback validates the server host key.
	//
	// Left nil by [NewSFTPLoader], which means the host key is not
	// verified, matching the behaviour of the historical machine. Set
	// this to pin or verify host keys.
	HostKeyCallback ssh.HostKeyCallback

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewSFTPLoader] to the user-provided logger.
	Logger SLogger

	// ReadFile reads key files (configurable for testing).
	//
	// Set by [NewSFTPLoader] to [os.ReadFile].
	ReadFile func(name string) ([]byte, error)
}

var _ Loader = &SFTPLoader{}

// sftpReadChunk is the read granularity of the download loop. Each chunk
// boundary is a suspension point at which progress is reported.
const sftpReadChunk = 32 * 1024

// LoadAsync implements [Loader].
func (op *SFTPLoader) LoadAsync(ctx context.Context, req *LoadRequest) {
	go op.run(ctx, req)
}

func (op *SFTPLoader) run(ctx context.Context, req *LoadRequest) {
	// Registered first so it runs after every cleanup defer below.
	var bundle *ResultBundle
	defer func() { req.Finish(bundle) }()
	auth := req.URL.SFTP
	if auth == nil {
		auth = &SFTPAuth{}
	}

	req.EmitStatus(progressStatus(ProgressResolving))
	resolvePipe := Compose2(
		NewResolveFunc(op.Config, op.Config.SFTPService, op.Logger),
		NewFirstEndpointFunc(),
	)
	endpoint, err := resolvePipe.Call(ctx, req.URL.Host)
	if err != nil {
		req.EmitStatus(failureStatus(FailResolution, err))
		return
	}

	req.EmitStatus(progressStatus(ProgressTag(SFTPStageConnecting)))
	connectPipe := Compose2(
		NewConnectFunc(op.Config, "tcp", op.Logger),
		NewCancelWatchFunc(),
	)
	conn, err := connectPipe.Call(ctx, endpoint)
	if err != nil {
		req.EmitStatus(failureStatus(FailConnect, err))
		return
	}
	defer conn.Close()
	req.EmitStatus(progressStatus(ProgressTag(SFTPStageConnected)))

	methods, err := op.authMethods(auth)
	if err != nil {
		req.EmitStatus(failureStatus(FailSSHAuth, err))
		return
	}

	sshClient, err := op.handshake(ctx, conn, endpoint.String(), auth.User, methods)
	if err != nil {
		kind := FailSSHHandshake
		if isSSHAuthError(err) {
			kind = FailSSHAuth
		}
		req.EmitStatus(failureStatus(kind, err))
		return
	}
	defer sshClient.Close()
	req.EmitStatus(progressStatus(ProgressTag(SFTPStageHandshake)))
	req.EmitStatus(progressStatus(ProgressTag(SFTPStageAuthenticated)))

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		req.EmitStatus(failureStatus(FailSFTPInit, err))
		return
	}
	defer client.Close()
	req.EmitStatus(progressStatus(ProgressTag(SFTPStageSessionOpen)))

	// The remote path is relative to the login directory.
	remotePath := "." + req.URL.Path
	file, err := client.Open(remotePath)
	if err != nil {
		req.EmitStatus(failureStatus(FailSFTPOpen, err))
		return
	}
	defer file.Close()
	req.EmitStatus(progressStatus(ProgressTag(SFTPStageFileOpen)))

	info, err := file.Stat()
	if err != nil {
		req.EmitStatus(failureStatus(FailSFTPStat, err))
		return
	}
	req.EmitStatus(progressStatus(ProgressTag(SFTPStageReading)))

	buffer, err := op.readSized(ctx, req, file, info.Size())
	if err != nil {
		req.EmitStatus(failureStatus(FailSFTPRead, err))
		return
	}

	bundle = NewResultBundle()
	bundle.Append(req.URL.Basename(), buffer)
	req.EmitStatus(progressStatus(ProgressTag(SFTPStageCompleted)))
}

// handshake runs the SSH handshake plus authentication over the existing
// connection, with a span event around the whole exchange.
func (op *SFTPLoader) handshake(ctx context.Context, conn net.Conn,
	addr, user string, methods []ssh.AuthMethod) (*ssh.Client, error) {
	hostKeyCallback := op.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	config := &ssh.ClientConfig{
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		User:            user,
	}
	t0 := op.Config.TimeNow()
	deadline, _ := ctx.Deadline()
	op.Logger.Info(
		"sshHandshakeStart",
		slog.Time("deadline", deadline),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", addr),
		slog.String("sshUser", user),
		slog.Time("t", t0),
	)
	sconn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	op.Logger.Info(
		"sshHandshakeDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.Config.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", addr),
		slog.String("sshUser", user),
		slog.Time("t0", t0),
		slog.Time("t", op.Config.TimeNow()),
	)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(sconn, chans, reqs), nil
}

// authMethods builds the SSH authentication methods from the URL
// credentials, honouring the documented precedence.
func (op *SFTPLoader) authMethods(auth *SFTPAuth) ([]ssh.AuthMethod, error) {
	if auth.PrivateKeyFile != "" {
		signer, err := op.loadSigner(auth.PrivateKeyFile, auth.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if auth.PublicKeyFile != "" {
		signer, err := op.loadSigner(auth.PublicKeyFile, auth.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(auth.Password)}, nil
}

// loadSigner parses a PEM key file, with the passphrase when given.
func (op *SFTPLoader) loadSigner(name, passphrase string) (ssh.Signer, error) {
	pem, err := op.ReadFile(name)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(pem)
}

// readSized reads exactly size bytes in chunks, reporting progress at
// each chunk boundary.
func (op *SFTPLoader) readSized(ctx context.Context, req *LoadRequest,
	file io.Reader, size int64) ([]byte, error) {
	t0 := op.Config.TimeNow()
	deadline, _ := ctx.Deadline()
	op.Logger.Info(
		"sftpReadStart",
		slog.Time("deadline", deadline),
		slog.Int64("fileSize", size),
		slog.Time("t", t0),
	)
	buffer := make([]byte, size)
	var total int
	var err error
	for total < len(buffer) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		limit := min(total+sftpReadChunk, len(buffer))
		var n int
		n, err = io.ReadFull(file, buffer[total:limit])
		total += n
		if err != nil {
			break
		}
		req.EmitStatus(progressStatus(ProgressTag(SFTPStageReading)))
	}
	op.Logger.Info(
		"sftpReadDone",
		slog.Int("bytesRead", total),
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.Config.ErrClassifier.Classify(err)),
		slog.Int64("fileSize", size),
		slog.Time("t0", t0),
		slog.Time("t", op.Config.TimeNow()),
	)
	if err != nil {
		return nil, fmt.Errorf("fop: short read at byte %d of %d: %w", total, size, err)
	}
	return buffer, nil
}

// isSSHAuthError distinguishes authentication failures from transport
// handshake failures. The ssh package reports both through the same call,
// tagging authentication failures with a fixed message prefix.
func isSSHAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "ssh: unable to authenticate")
}
