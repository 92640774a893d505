package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// DefaultClientCommand lists the associated stations of every wireless
// interface on an OpenWrt access point.
const DefaultClientCommand = `for dev in $(iwinfo | grep ESSID | cut -f1 -d" "); do iwinfo $dev assoclist; done`

// DefaultHostnameCommand reports the access point's own name.
const DefaultHostnameCommand = "uname -n"

// HostEntry describes one access point in the inventory. Zero fields fall
// back to the provider-wide defaults.
type HostEntry struct {
	Addr     string `yaml:"addr"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	KeyFile  string `yaml:"key_file"`
}

// SSHConfig holds the provider-wide defaults for querying access points.
type SSHConfig struct {
	Defaults        HostEntry
	ClientCommand   string
	HostnameCommand string
	// IdleThreshold drops stations whose reported inactivity exceeds it.
	// Zero disables the exclusion.
	IdleThreshold time.Duration
	// ConnectTimeout bounds dialing and the SSH handshake per host.
	ConnectTimeout time.Duration
	// CommandTimeout bounds a single remote command.
	CommandTimeout time.Duration
	// HostnameTTL controls how long a reported hostname is cached before it
	// is probed again.
	HostnameTTL time.Duration
}

// SSHProvider queries access points over SSH. It implements Provider.
type SSHProvider struct {
	cfg       SSHConfig
	entries   map[string]HostEntry
	hostnames *cache.Cache
}

func NewSSHProvider(cfg SSHConfig, entries []HostEntry) *SSHProvider {
	if cfg.ClientCommand == "" {
		cfg.ClientCommand = DefaultClientCommand
	}
	if cfg.HostnameCommand == "" {
		cfg.HostnameCommand = DefaultHostnameCommand
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.HostnameTTL == 0 {
		cfg.HostnameTTL = 1 * time.Hour
	}
	byAddr := make(map[string]HostEntry, len(entries))
	for _, entry := range entries {
		byAddr[entry.Addr] = entry
	}
	return &SSHProvider{
		cfg:       cfg,
		entries:   byAddr,
		hostnames: cache.New(cfg.HostnameTTL, 2*cfg.HostnameTTL),
	}
}

func (p *SSHProvider) GetClients(ctx context.Context, host string) (Report, error) {
	client, err := p.connect(ctx, host)
	if err != nil {
		return Report{}, &TransportError{Host: host, Err: err}
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			zap.S().Debugf("Closing SSH connection to %s: %s", host, closeErr)
		}
	}()

	report := Report{Hostname: p.hostname(client, host)}

	output, err := p.runCommand(client, p.cfg.ClientCommand)
	if err != nil {
		return report, &TransportError{Host: host, Err: err}
	}

	identities, err := ParseAssocList(output, p.cfg.IdleThreshold)
	if err != nil {
		return report, &ParseError{Host: host, Err: err}
	}
	report.Identities = identities
	return report, nil
}

func (p *SSHProvider) GetClientsBatch(ctx context.Context, hosts []string) map[string]Outcome {
	return batch(ctx, hosts, p.GetClients)
}

// hostname returns the name the device reports for itself, falling back to
// the dial string. Successful lookups are cached for HostnameTTL.
func (p *SSHProvider) hostname(client *ssh.Client, host string) string {
	if cached, found := p.hostnames.Get(host); found {
		return cached.(string)
	}
	output, err := p.runCommand(client, p.cfg.HostnameCommand)
	if err != nil {
		zap.S().Warnf("Could not read hostname of %s, using dial string: %s", host, err)
		return host
	}
	name := strings.TrimSpace(output)
	if name == "" {
		return host
	}
	p.hostnames.SetDefault(host, name)
	return name
}

func (p *SSHProvider) connect(ctx context.Context, host string) (*ssh.Client, error) {
	entry := p.entry(host)
	config, err := p.clientConfig(entry)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(entry.Addr, fmt.Sprintf("%d", entry.Port))
	dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// entry resolves the inventory entry for a dial string, filling zero fields
// from the provider defaults.
func (p *SSHProvider) entry(host string) HostEntry {
	entry, ok := p.entries[host]
	if !ok {
		entry = HostEntry{Addr: host}
	}
	defaults := p.cfg.Defaults
	if entry.Port == 0 {
		if defaults.Port != 0 {
			entry.Port = defaults.Port
		} else {
			entry.Port = 22
		}
	}
	if entry.User == "" {
		entry.User = defaults.User
	}
	if entry.Password == "" {
		entry.Password = defaults.Password
	}
	if entry.KeyFile == "" {
		entry.KeyFile = defaults.KeyFile
	}
	return entry
}

func (p *SSHProvider) clientConfig(entry HostEntry) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if entry.KeyFile != "" {
		keyData, err := os.ReadFile(entry.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file for %s: %w", entry.Addr, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parsing key file for %s: %w", entry.Addr, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if entry.Password != "" {
		methods = append(methods, ssh.Password(entry.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no credentials configured for %s", entry.Addr)
	}
	/* #nosec G106 -- access points are on a trusted management network */
	return &ssh.ClientConfig{
		User:            entry.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.cfg.ConnectTimeout,
	}, nil
}

func (p *SSHProvider) runCommand(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer func() { _ = session.Close() }()

	done := make(chan error, 1)
	var output []byte
	go func() {
		var runErr error
		output, runErr = session.CombinedOutput(cmd)
		done <- runErr
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("command %q: %w", cmd, err)
		}
		return string(output), nil
	case <-time.After(p.cfg.CommandTimeout):
		_ = session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("command %q timed out after %s", cmd, p.cfg.CommandTimeout)
	}
}
