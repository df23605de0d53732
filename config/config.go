package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	pveinventory "github.com/lnxbil/pve-inventory"
)

// AuthType selects the login method.
type AuthType string

const (
	AuthToken  AuthType = "token"
	AuthLegacy AuthType = "legacy" // username and password, ticket based
)

// ObjectType selects what the fetch command lists.
type ObjectType string

const (
	ObjectVirtualMachine ObjectType = "VirtualMachine"
	ObjectHostSystem     ObjectType = "HostSystem"
	ObjectStorage        ObjectType = "Storage"
	ObjectPool           ObjectType = "Pools"
)

// EnvPrefix is prepended to every key when read from the environment,
// e.g. PVE_HOST or PVE_SSL_VERIFY_PEER.
const EnvPrefix = "PVE"

type Config struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Realm    string   `mapstructure:"realm"`
	Username string   `mapstructure:"username"`
	AuthType AuthType `mapstructure:"auth_type"`
	Password string   `mapstructure:"password"`
	Token    string   `mapstructure:"token"`

	SSLVerifyPeer bool          `mapstructure:"ssl_verify_peer"`
	SSLVerifyHost bool          `mapstructure:"ssl_verify_host"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Debug         bool          `mapstructure:"debug"`

	ObjectType       ObjectType `mapstructure:"object_type"`
	VMGuestAgent     bool       `mapstructure:"vm_guest_agent"`
	VMHA             bool       `mapstructure:"vm_ha"`
	VMDescription    bool       `mapstructure:"vm_description"`
	NodeStatus       bool       `mapstructure:"node_status"`
	NodeSubscription bool       `mapstructure:"node_subscription"`
	NodeStorage      bool       `mapstructure:"node_storage"`
	PoolDetails      bool       `mapstructure:"pool_details"`
}

var defaults = map[string]interface{}{
	"host":              "",
	"port":              8006,
	"realm":             "pam",
	"username":          "root",
	"auth_type":         string(AuthLegacy),
	"password":          "",
	"token":             "",
	"ssl_verify_peer":   true,
	"ssl_verify_host":   true,
	"timeout":           "0s",
	"debug":             false,
	"object_type":       string(ObjectVirtualMachine),
	"vm_guest_agent":    false,
	"vm_ha":             false,
	"vm_description":    false,
	"node_status":       true,
	"node_subscription": false,
	"node_storage":      false,
	"pool_details":      false,
}

// New returns a viper instance with all defaults registered and environment
// lookups enabled.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path into v and decodes the merged
// settings.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := Config{}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			authTypeHookFunc(),
		))); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

// authTypeHookFunc lowercases auth_type, "Token" and "LEGACY" are accepted.
func authTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(AuthType("")) {
			return data, nil
		}
		return AuthType(strings.ToLower(strings.TrimSpace(data.(string)))), nil
	}
}

// Validate checks that the credentials required by the auth type are set.
func (c Config) Validate() error {
	var errs []error

	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}

	switch c.AuthType {
	case AuthToken:
		if c.Token == "" {
			errs = append(errs, errors.New("token is required for auth_type token"))
		}
	case AuthLegacy:
		if c.Password == "" {
			errs = append(errs, errors.New("password is required for auth_type legacy"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth_type %q", c.AuthType))
	}

	switch c.ObjectType {
	case ObjectVirtualMachine, ObjectHostSystem, ObjectStorage, ObjectPool:
	default:
		errs = append(errs, fmt.Errorf("unknown object_type %q", c.ObjectType))
	}

	return errors.Join(errs...)
}

// Credentials returns the login data. Only the secret matching the auth type
// is passed on, so Client.Login picks the configured method.
func (c Config) Credentials() pveinventory.Credentials {
	creds := pveinventory.Credentials{
		Host:     c.Host,
		Port:     c.Port,
		Realm:    c.Realm,
		Username: c.Username,
	}
	if c.AuthType == AuthToken {
		creds.Token = c.Token
	} else {
		creds.Password = c.Password
	}
	return creds
}

// ClientOptions translates the connection settings.
func (c Config) ClientOptions() []pveinventory.Option {
	opts := []pveinventory.Option{
		pveinventory.WithVerifyPeer(c.SSLVerifyPeer),
		pveinventory.WithVerifyHost(c.SSLVerifyHost),
		pveinventory.WithDebug(c.Debug),
	}
	if c.Timeout > 0 {
		opts = append(opts, pveinventory.WithTimeout(c.Timeout))
	}
	return opts
}

func (c Config) VMFetcher() pveinventory.VMFetcher {
	return pveinventory.VMFetcher{
		GuestAgent:  c.VMGuestAgent,
		Description: c.VMDescription,
		HA:          c.VMHA,
	}
}

func (c Config) NodeFetcher() pveinventory.NodeFetcher {
	return pveinventory.NodeFetcher{
		Status:       c.NodeStatus,
		Subscription: c.NodeSubscription,
		Storage:      c.NodeStorage,
	}
}

func (c Config) PoolFetcher() pveinventory.PoolFetcher {
	return pveinventory.PoolFetcher{Details: c.PoolDetails}
}
