// Package transfer implements the remote-transfer collaborator: an SFTP
// client and the executor that dispatches scheduled tasks onto it.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Config holds the connection parameters for the remote server.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKeyPath string
	ConnectTimeout time.Duration
}

// ProgressFunc receives transfer progress as (bytes transferred, total bytes).
// Total is zero when the size is unknown.
type ProgressFunc func(transferred, total int64)

// ErrNotConnected is returned by remote operations before Connect succeeds.
var ErrNotConnected = errors.New("not connected to remote server")

// Client performs file operations against one SFTP server. Operations are
// serialized on a single connection; Connect/Disconnect may be called from a
// different goroutine than the transfer operations.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	ssh  *ssh.Client
	sftp *sftp.Client
}

// NewClient returns an unconnected client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &Client{cfg: cfg, logger: logger}
}

// Connect establishes the SSH session and opens an SFTP subsystem over it.
// Private-key auth is preferred when a key path is configured and readable;
// password auth is the fallback.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return nil
	}

	auth, err := c.authMethods()
	if err != nil {
		return err
	}
	sshCfg := &ssh.ClientConfig{
		User: c.cfg.Username,
		Auth: auth,
		// Accepts any host key, mirroring the trust model of the clients this
		// daemon replaces. Pinning via known_hosts is a possible hardening.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // #nosec G106
		Timeout:         c.cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	sshClient, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return fmt.Errorf("open sftp subsystem: %w", err)
	}
	c.ssh = sshClient
	c.sftp = sftpClient
	c.logger.Info("connected", "addr", addr, "user", c.cfg.Username)
	return nil
}

func (c *Client) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(c.cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.cfg.Password != "" {
		methods = append(methods, ssh.Password(c.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no credentials configured: set a password or private key")
	}
	return methods, nil
}

// EnsureConnected connects if no session is open.
func (c *Client) EnsureConnected() error {
	c.mu.Lock()
	connected := c.sftp != nil
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.Connect()
}

// Disconnect closes the SFTP subsystem and the SSH session. Safe to call on an
// unconnected client.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.ssh != nil {
		_ = c.ssh.Close()
		c.ssh = nil
	}
	c.logger.Info("disconnected")
}

func (c *Client) client() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp == nil {
		return nil, ErrNotConnected
	}
	return c.sftp, nil
}

// Upload copies a local file to the remote path, creating remote parent
// directories as needed.
func (c *Client) Upload(localPath, remotePath string, progress ProgressFunc) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("local file: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("ensure remote dir %s: %w", dir, err)
		}
	}
	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer dst.Close()

	c.logger.Info("uploading", "local", localPath, "remote", remotePath, "size", info.Size())
	if _, err := io.Copy(newProgressWriter(dst, info.Size(), progress), src); err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("finalize remote file: %w", err)
	}
	c.logger.Info("upload completed", "remote", remotePath)
	return nil
}

// Download copies a remote file to the local path, creating local parent
// directories as needed.
func (c *Client) Download(remotePath, localPath string, progress ProgressFunc) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	src, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file: %w", err)
	}
	defer src.Close()

	var total int64
	if info, err := src.Stat(); err == nil {
		total = info.Size()
	}

	if dir := filepath.Dir(localPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure local dir %s: %w", dir, err)
		}
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	defer dst.Close()

	c.logger.Info("downloading", "remote", remotePath, "local", localPath, "size", total)
	if _, err := io.Copy(newProgressWriter(dst, total, progress), src); err != nil {
		return fmt.Errorf("download %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("finalize local file: %w", err)
	}
	c.logger.Info("download completed", "local", localPath)
	return nil
}

// Delete removes a file on the remote server.
func (c *Client) Delete(remotePath string) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	if err := client.Remove(remotePath); err != nil {
		return fmt.Errorf("delete %s: %w", remotePath, err)
	}
	c.logger.Info("deleted", "remote", remotePath)
	return nil
}

// List returns the entry names of a remote directory.
func (c *Client) List(remotePath string) ([]string, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	entries, err := client.ReadDir(remotePath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", remotePath, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// FileExists reports whether the remote path exists.
func (c *Client) FileExists(remotePath string) (bool, error) {
	client, err := c.client()
	if err != nil {
		return false, err
	}
	if _, err := client.Stat(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", remotePath, err)
	}
	return true, nil
}

// progressWriter forwards writes and reports cumulative progress.
type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	fn      ProgressFunc
}

func newProgressWriter(w io.Writer, total int64, fn ProgressFunc) io.Writer {
	if fn == nil {
		return w
	}
	return &progressWriter{w: w, total: total, fn: fn}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.fn(p.written, p.total)
	return n, err
}
