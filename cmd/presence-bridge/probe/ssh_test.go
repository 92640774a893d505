package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryFallsBackToDefaults(t *testing.T) {
	provider := NewSSHProvider(SSHConfig{
		Defaults: HostEntry{User: "root", Password: "secret", Port: 2222},
	}, []HostEntry{
		{Addr: "10.0.0.3", User: "admin"},
	})

	// host with an inventory entry: own user, inherited password and port
	entry := provider.entry("10.0.0.3")
	assert.Equal(t, "admin", entry.User)
	assert.Equal(t, "secret", entry.Password)
	assert.Equal(t, 2222, entry.Port)

	// host without an inventory entry: all defaults
	entry = provider.entry("10.0.0.9")
	assert.Equal(t, "root", entry.User)
	assert.Equal(t, 2222, entry.Port)
}

func TestEntryDefaultPort(t *testing.T) {
	provider := NewSSHProvider(SSHConfig{Defaults: HostEntry{User: "root"}}, nil)
	assert.Equal(t, 22, provider.entry("10.0.0.2").Port)
}

func TestClientConfigRequiresCredentials(t *testing.T) {
	provider := NewSSHProvider(SSHConfig{}, nil)
	_, err := provider.clientConfig(provider.entry("10.0.0.2"))
	assert.Error(t, err)
}

func TestNewSSHProviderDefaults(t *testing.T) {
	provider := NewSSHProvider(SSHConfig{}, nil)
	require.Equal(t, DefaultClientCommand, provider.cfg.ClientCommand)
	assert.Equal(t, DefaultHostnameCommand, provider.cfg.HostnameCommand)
	assert.Equal(t, 10*time.Second, provider.cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, provider.cfg.CommandTimeout)
}
