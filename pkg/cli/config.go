/*
Package cli facilitates building command-line companion applications on top of pkg/companion. It
defines a [Config] type that registers common command-line flags (using the Golang flag package)
and environment variable equivalents for where peer state is stored, which platform keyring
backend protects the identification/encryption secrets in that store, and how the
ConnectionManager should scan and retry.

# Examples

	config := cli.NewConfig()
	config.RegisterCommandLineFlags()
	flag.Parse()
	config.ReadFromEnvironment()
	config.LoadCredentials() // Prompt for a keyring password if needed, before Store blocks on it.

	store, err := config.Store()
	if err != nil {
		panic(err)
	}
	manager := companion.New(scanner, store, config.ManagerConfig())
*/
package cli

import (
	"flag"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caraloop/carlink/internal/log"
	"github.com/caraloop/carlink/pkg/carstore"
	"github.com/caraloop/carlink/pkg/companion"

	"github.com/99designs/keyring"
)

// Environment variable names read by [Config.ReadFromEnvironment].
const (
	EnvStorePath        = "CARLINK_STORE_PATH"
	EnvAllowedNames      = "CARLINK_ALLOWED_NAMES"
	EnvKeyringType       = "CARLINK_KEYRING_TYPE"
	EnvKeyringPassword   = "CARLINK_KEYRING_PASSWORD"
	EnvKeyringPath       = "CARLINK_KEYRING_PATH"
	EnvKeyringDebug      = "CARLINK_KEYRING_DEBUG"
	EnvSPPRetryInterval  = "CARLINK_SPP_RETRY_INTERVAL"
)

const (
	keyringServiceName = "com.caraloop.carlink"
	keyringDirectory   = "~/.carlink/keyring"
	defaultStorePath   = "~/.carlink/store.json"
)

// Config fields determine where a companion application persists its CarStore, which keyring
// backend guards the secrets inside it, and how its ConnectionManager behaves.
type Config struct {
	StorePath        string
	Backend          keyring.Config
	BackendType      backendType
	Debug            bool // Enable keyring debug messages.
	AllowedNames     []stringListFlag
	SPPRetryInterval time.Duration

	// BluetoothAdapterID identifies which local Bluetooth adapter a Scanner/Link implementation
	// should bind to. Only meaningful on platforms with more than one addressable adapter
	// (registered from config_linux.go; a no-op elsewhere).
	BluetoothAdapterID string

	password *string
}

// NewConfig returns a Config with its keyring backend preferences defaulted, ready for
// RegisterCommandLineFlags and/or ReadFromEnvironment.
func NewConfig() *Config {
	c := &Config{
		StorePath: defaultStorePath,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
			FileDir:                  keyringDirectory,
		},
	}
	c.BackendType = backendType{c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword
	return c
}

// RegisterCommandLineFlags registers flags for every field ReadFromEnvironment would otherwise
// fill from the environment. Call before flag.Parse.
func (c *Config) RegisterCommandLineFlags() {
	flag.StringVar(&c.StorePath, "store", c.StorePath, "Path to the peer store `file`. Defaults to $"+EnvStorePath+".")
	flag.Var(namesFlag{c}, "allow-name", "Advertised device `name` to pair with even without a recognized advertisement (repeatable). Defaults to $"+EnvAllowedNames+" (comma-separated).")
	flag.DurationVar(&c.SPPRetryInterval, "spp-retry-interval", 0, "Delay before retrying a failed classic-Bluetooth connect attempt. Defaults to $"+EnvSPPRetryInterval+", or the companion package default.")

	var names []string
	for _, name := range keyring.AvailableBackends() {
		names = append(names, string(name))
	}
	sort.Strings(names)
	flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $"+EnvKeyringType+".")
	flag.StringVar(&c.Backend.FileDir, "keyring-dir", c.Backend.FileDir, "keyring `directory` for file-backed keyring types")
	flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")

	registerCommandLineFlagsOsSpecific(c)
}

// ReadFromEnvironment populates fields left unset by RegisterCommandLineFlags (or by a caller that
// skipped it) from the environment. Values already populated are not overwritten.
func (c *Config) ReadFromEnvironment() {
	if c.StorePath == "" || c.StorePath == defaultStorePath {
		if v := os.Getenv(EnvStorePath); v != "" {
			c.StorePath = v
			log.Debug("Set store path to '%s'", c.StorePath)
		}
	}
	if len(c.AllowedNames) == 0 {
		if v := os.Getenv(EnvAllowedNames); v != "" {
			for _, name := range strings.Split(v, ",") {
				if name = strings.TrimSpace(name); name != "" {
					c.AllowedNames = append(c.AllowedNames, stringListFlag(name))
				}
			}
			log.Debug("Set allow-by-name list from environment: %d entries", len(c.AllowedNames))
		}
	}
	if c.SPPRetryInterval == 0 {
		if v := os.Getenv(EnvSPPRetryInterval); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				c.SPPRetryInterval = d
				log.Debug("Set SPP retry interval to %s", d)
			}
		}
	}
	if c.BackendType.String() == string(keyring.InvalidBackend) {
		if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
			log.Debug("Set keyring type to '%s'", c.BackendType)
		}
	}
	if c.password == nil {
		if password, ok := os.LookupEnv(EnvKeyringPassword); ok {
			c.password = &password
		}
	}
	if c.Backend.FileDir == keyringDirectory {
		if v := os.Getenv(EnvKeyringPath); v != "" {
			c.Backend.FileDir = v
			log.Debug("Set keyring directory to '%s'", c.Backend.FileDir)
		}
	}
	if !c.Debug {
		_, c.Debug = os.LookupEnv(EnvKeyringDebug)
	}
	readFromEnvironmentOsSpecific(c)
}

// LoadCredentials opens the keyring once, prompting for a password up front if the backend needs
// one, so that a later Store call (which may run on a timeout-sensitive path) never blocks on
// interactive input.
func (c *Config) LoadCredentials() error {
	_, err := c.openKeyring()
	return err
}

// Store opens the CarStore this Config describes.
func (c *Config) Store() (*carstore.KeyringCarStore, error) {
	path := expandHome(c.StorePath)
	return carstore.NewKeyringCarStore(path, c.Backend)
}

// ManagerConfig builds the companion.Config fields this Config is responsible for; callers still
// set LocalDeviceID, MTU, and OOBChannels themselves since those depend on the host application,
// not on persisted configuration.
func (c *Config) ManagerConfig() companion.Config {
	names := make([]string, len(c.AllowedNames))
	for i, n := range c.AllowedNames {
		names[i] = string(n)
	}
	return companion.Config{
		AllowedNames:     names,
		SPPRetryInterval: c.SPPRetryInterval,
	}
}

// stringListFlag is one entry accumulated by a repeatable -allow-name flag.
type stringListFlag string

// namesFlag adapts Config.AllowedNames to flag.Value so -allow-name can be repeated.
type namesFlag struct{ config *Config }

func (n namesFlag) String() string {
	if n.config == nil {
		return ""
	}
	names := make([]string, len(n.config.AllowedNames))
	for i, v := range n.config.AllowedNames {
		names[i] = string(v)
	}
	return strings.Join(names, ",")
}

func (n namesFlag) Set(v string) error {
	n.config.AllowedNames = append(n.config.AllowedNames, stringListFlag(v))
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
