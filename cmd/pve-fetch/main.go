package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/labstack/gommon/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	pveinventory "github.com/lnxbil/pve-inventory"
	"github.com/lnxbil/pve-inventory/config"
)

var (
	configPath string
	asJSON     bool
	settings   = config.New()
)

// flagSpec describes one connection or fetch flag. Key is the config key the
// flag is bound to, the environment variable is derived from it.
type flagSpec struct {
	Name  string
	Key   string
	Usage string
	Value interface{}
}

var flags = []flagSpec{
	{Name: "host", Key: "host", Usage: "Proxmox VE host to connect to", Value: ""},
	{Name: "port", Key: "port", Usage: "Proxmox VE API port", Value: 8006},
	{Name: "realm", Key: "realm", Usage: "realm of the user, e.g. pam or pve", Value: "pam"},
	{Name: "username", Key: "username", Usage: "user to log in with", Value: "root"},
	{Name: "auth-type", Key: "auth_type", Usage: "login method, token or legacy", Value: "legacy"},
	{Name: "password", Key: "password", Usage: "password for legacy login", Value: ""},
	{Name: "token", Key: "token", Usage: "API token in the form <tokenid>=<secret>", Value: ""},
	{Name: "ssl-verify-peer", Key: "ssl_verify_peer", Usage: "verify the certificate chain", Value: true},
	{Name: "ssl-verify-host", Key: "ssl_verify_host", Usage: "verify the certificate host name", Value: true},
	{Name: "timeout", Key: "timeout", Usage: "overall timeout per request, e.g. 30s", Value: "0s"},
	{Name: "debug", Key: "debug", Usage: "enable debug logging", Value: false},
	{Name: "object-type", Key: "object_type", Usage: "objects listed by fetch: VirtualMachine, HostSystem, Storage or Pools", Value: "VirtualMachine"},
	{Name: "vm-guest-agent", Key: "vm_guest_agent", Usage: "query the QEMU guest agent for interfaces", Value: false},
	{Name: "vm-ha", Key: "vm_ha", Usage: "fetch the HA state of guests", Value: false},
	{Name: "vm-description", Key: "vm_description", Usage: "fetch guest descriptions", Value: false},
	{Name: "node-status", Key: "node_status", Usage: "fetch CPU and version details of nodes", Value: true},
	{Name: "node-subscription", Key: "node_subscription", Usage: "fetch the subscription of nodes", Value: false},
	{Name: "node-storage", Key: "node_storage", Usage: "attach the storage list to nodes", Value: false},
	{Name: "pool-details", Key: "pool_details", Usage: "fetch pool comments", Value: false},
}

var root = &cobra.Command{
	Use:   "pve-fetch",
	Short: "Fetch inventory records from a Proxmox VE cluster",
}

var fetch = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch the objects selected by object_type",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		switch cfg.ObjectType {
		case config.ObjectHostSystem:
			return run[pveinventory.NodeRecord](cmd.Context(), cmd.OutOrStdout(), cfg, cfg.NodeFetcher())
		case config.ObjectStorage:
			return run[pveinventory.StorageRecord](cmd.Context(), cmd.OutOrStdout(), cfg, pveinventory.StorageFetcher{})
		case config.ObjectPool:
			return run[pveinventory.PoolRecord](cmd.Context(), cmd.OutOrStdout(), cfg, cfg.PoolFetcher())
		default:
			return run[pveinventory.VMRecord](cmd.Context(), cmd.OutOrStdout(), cfg, cfg.VMFetcher())
		}
	},
}

var virtualMachines = &cobra.Command{
	Use:     "virtualmachines",
	Aliases: []string{"vms"},
	Short:   "Fetch virtual machines and containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run[pveinventory.VMRecord](cmd.Context(), cmd.OutOrStdout(), cfg, cfg.VMFetcher())
	},
}

var hostSystems = &cobra.Command{
	Use:     "hostsystems",
	Aliases: []string{"nodes"},
	Short:   "Fetch cluster nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run[pveinventory.NodeRecord](cmd.Context(), cmd.OutOrStdout(), cfg, cfg.NodeFetcher())
	},
}

var storage = &cobra.Command{
	Use:   "storage",
	Short: "Fetch storage of all nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run[pveinventory.StorageRecord](cmd.Context(), cmd.OutOrStdout(), cfg, pveinventory.StorageFetcher{})
	},
}

var pools = &cobra.Command{
	Use:   "pools",
	Short: "Fetch resource pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run[pveinventory.PoolRecord](cmd.Context(), cmd.OutOrStdout(), cfg, cfg.PoolFetcher())
	},
}

var version = &cobra.Command{
	Use:   "version",
	Short: "Show the API version of the host",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer client.Logout()

		info, err := client.Version(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		return write(cmd.OutOrStdout(), info)
	},
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(settings, configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func connect(ctx context.Context, cfg config.Config) (*pveinventory.Client, error) {
	logger := log.New("pve-fetch")
	logger.SetOutput(os.Stderr)
	logger.SetLevel(log.INFO)

	opts := append(cfg.ClientOptions(), pveinventory.WithLogger(logger))
	client, err := pveinventory.NewClient(cfg.Credentials(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Login(ctx); err != nil {
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	if !client.LoggedIn() {
		return nil, fmt.Errorf("no session established for %s@%s", cfg.Username, cfg.Realm)
	}

	return client, nil
}

func run[R any](ctx context.Context, w io.Writer, cfg config.Config, f pveinventory.Fetcher[R]) error {
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Logout()

	records, err := pveinventory.Fetch[R](ctx, client, f)
	if err != nil {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	if records == nil {
		records = []R{}
	}

	return write(w, records)
}

func write(w io.Writer, v interface{}) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func init() {
	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	pf.BoolVar(&asJSON, "json", false, "print JSON instead of YAML")

	for _, f := range flags {
		usage := fmt.Sprintf("%s [$%s_%s]", f.Usage, config.EnvPrefix, strings.ToUpper(f.Key))
		switch value := f.Value.(type) {
		case string:
			pf.String(f.Name, value, usage)
		case int:
			pf.Int(f.Name, value, usage)
		case bool:
			pf.Bool(f.Name, value, usage)
		}
		if err := settings.BindPFlag(f.Key, pf.Lookup(f.Name)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(fetch, virtualMachines, hostSystems, storage, pools, version)
}

func main() {
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
