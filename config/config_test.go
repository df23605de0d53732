package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8006, cfg.Port)
	assert.Equal(t, "pam", cfg.Realm)
	assert.Equal(t, "root", cfg.Username)
	assert.Equal(t, AuthLegacy, cfg.AuthType)
	assert.True(t, cfg.SSLVerifyPeer)
	assert.True(t, cfg.SSLVerifyHost)
	assert.Equal(t, ObjectVirtualMachine, cfg.ObjectType)
	assert.Zero(t, cfg.Timeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pve.yaml")
	content := `
host: pve1.example.com
port: 443
realm: pve
username: inventory
auth_type: Token
token: monitoring=0b8c5c44-62d2-4d52-9e3b-3ad4f1f5a4e2
ssl_verify_host: false
timeout: 30s
object_type: HostSystem
node_subscription: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "pve1.example.com", cfg.Host)
	assert.Equal(t, 443, cfg.Port)
	assert.Equal(t, "pve", cfg.Realm)
	assert.Equal(t, "inventory", cfg.Username)
	assert.Equal(t, AuthToken, cfg.AuthType)
	assert.True(t, cfg.SSLVerifyPeer)
	assert.False(t, cfg.SSLVerifyHost)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, ObjectHostSystem, cfg.ObjectType)
	assert.True(t, cfg.NodeSubscription)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("PVE_HOST", "pve2.example.com")
	t.Setenv("PVE_PASSWORD", "secret")
	t.Setenv("PVE_SSL_VERIFY_PEER", "false")
	t.Setenv("PVE_VM_GUEST_AGENT", "true")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "pve2.example.com", cfg.Host)
	assert.Equal(t, "secret", cfg.Password)
	assert.False(t, cfg.SSLVerifyPeer)
	assert.True(t, cfg.VMFetcher().GuestAgent)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Host:       "pve1",
		Port:       8006,
		Username:   "root",
		AuthType:   AuthLegacy,
		Password:   "secret",
		ObjectType: ObjectStorage,
	}

	testCases := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{
			name:   "legacy with password",
			modify: func(c *Config) {},
		},
		{
			name: "token with token",
			modify: func(c *Config) {
				c.AuthType = AuthToken
				c.Password = ""
				c.Token = "id=uuid"
			},
		},
		{
			name:    "missing host",
			modify:  func(c *Config) { c.Host = "" },
			wantErr: true,
		},
		{
			name:    "missing password",
			modify:  func(c *Config) { c.Password = "" },
			wantErr: true,
		},
		{
			name:    "token without token",
			modify:  func(c *Config) { c.AuthType = AuthToken },
			wantErr: true,
		},
		{
			name:    "unknown auth type",
			modify:  func(c *Config) { c.AuthType = "kerberos" },
			wantErr: true,
		},
		{
			name:    "unknown object type",
			modify:  func(c *Config) { c.ObjectType = "Datacenter" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			modify:  func(c *Config) { c.Port = 70000 },
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.modify(&cfg)
			if tc.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestCredentials(t *testing.T) {
	cfg := Config{
		Host:     "pve1",
		Port:     8006,
		Realm:    "pve",
		Username: "inventory",
		Password: "secret",
		Token:    "id=uuid",
	}

	cfg.AuthType = AuthLegacy
	creds := cfg.Credentials()
	assert.Equal(t, "secret", creds.Password)
	assert.Empty(t, creds.Token)

	cfg.AuthType = AuthToken
	creds = cfg.Credentials()
	assert.Empty(t, creds.Password)
	assert.Equal(t, "id=uuid", creds.Token)
	assert.Equal(t, "inventory", creds.Username)
	assert.Equal(t, "pve", creds.Realm)
}

func TestClientOptions(t *testing.T) {
	cfg := Config{SSLVerifyPeer: true}
	assert.Len(t, cfg.ClientOptions(), 3)

	cfg.Timeout = time.Minute
	assert.Len(t, cfg.ClientOptions(), 4)
}
