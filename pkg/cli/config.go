/*
Package cli facilitates building command-line applications that run an opener. It defines a
[Config] type that can be used to register common command-line flags (using the Golang flag
package) and environment variable equivalents, and loads the YAML settings file that holds
everything else.

The package uses [keyring]'s platform-agnostic interface for storing sensitive values (the rolling
code secret and the pairing passkey) in an OS-dependent credential store.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the secret, backend, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables

	settings, err := config.LoadSettings()
	if err != nil {
		panic(err)
	}
	serverConfig, err := config.ServerConfig(settings) // Fills in the passkey from the keyring
	if err != nil {
		panic(err)
	}

Values are resolved in this order: command-line flags, then environment variables, then the
settings file, then built-in defaults. Secrets never live in the settings file.
*/
package cli

import (
	"bytes"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/99designs/keyring"
	"gopkg.in/yaml.v3"

	"github.com/teslamotors/vehicle-opener/internal/checkpoint"
	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/pkg/cache"
	"github.com/teslamotors/vehicle-opener/pkg/escalate"
	"github.com/teslamotors/vehicle-opener/pkg/peripheral"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvOpenerConfigFile   = "OPENER_CONFIG_FILE"
	EnvOpenerDeviceName   = "OPENER_DEVICE_NAME"
	EnvOpenerSecretName   = "OPENER_SECRET_NAME"
	EnvOpenerSecretFile   = "OPENER_SECRET_FILE"
	EnvOpenerPasskey      = "OPENER_PASSKEY"
	EnvOpenerCacheFile    = "OPENER_CACHE_FILE"
	EnvOpenerBackend      = "OPENER_BACKEND"
	EnvOpenerAdapter      = "OPENER_BT_ADAPTER"
	EnvOpenerLogLevel     = "OPENER_LOG_LEVEL"
	EnvOpenerWebhookURL   = "OPENER_WEBHOOK_URL"
	EnvOpenerWebhookToken = "OPENER_WEBHOOK_TOKEN"
	EnvOpenerKeyringType  = "OPENER_KEYRING_TYPE"
	EnvOpenerKeyringPass  = "OPENER_KEYRING_PASSWORD"
	EnvOpenerKeyringPath  = "OPENER_KEYRING_PATH"
	EnvOpenerKeyringDebug = "OPENER_KEYRING_DEBUG"
)

// Names accepted by -backend.
const (
	BackendGoBLE     = "goble"
	BackendTinyGo    = "tinygo"
	BackendSimulated = "sim"
)

const (
	DefaultConfigFilename = "/etc/opener/opener.yaml"
	DefaultSecretName     = "default"
	defaultBackend        = BackendGoBLE
	passkeyMaxDigits      = 6
)

// DefaultWatchdogExitCode is the exit status after an unrecoverable advertising failure.
const DefaultWatchdogExitCode = 3

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagSecret  Flag = 1 // Enable secret and passkey options.
	FlagServer  Flag = 2 // Enable settings file, device name, and cache options.
	FlagBackend Flag = 4 // Enable BLE backend options.
	FlagAll     Flag = FlagSecret | FlagServer | FlagBackend
)

var (
	ErrNoSecretSpecified = errors.New("secret location not provided")
	ErrUnknownBackend    = errors.New("unknown BLE backend")
	ErrInvalidPasskey    = errors.New("passkey must be 1 to 6 decimal digits")
	ErrKeyNotFound       = keyring.ErrKeyNotFound
)

// Settings is the contents of the YAML settings file.
type Settings struct {
	Server     peripheral.Config      `yaml:"server"`
	Checkpoint checkpoint.Config      `yaml:"checkpoint"`
	Webhook    escalate.WebhookConfig `yaml:"webhook"`
	Backend    string                 `yaml:"backend"`
	Adapter    string                 `yaml:"adapter"`
	LogLevel   string                 `yaml:"log_level"`

	// TrustedLink treats every link as encrypted, for backends that cannot observe pairing.
	TrustedLink bool `yaml:"trusted_link"`

	// WatchdogExitCode, when non-zero, exits the process with this status after an escalation.
	// Set it to zero when no supervisor restarts the opener.
	WatchdogExitCode int `yaml:"watchdog_exit_code"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() Settings {
	return Settings{
		Server:     peripheral.DefaultConfig(),
		Checkpoint: checkpoint.DefaultConfig(),
		Backend:    defaultBackend,
		LogLevel:   log.LevelWarning.String(),

		WatchdogExitCode: DefaultWatchdogExitCode,
	}
}

// ParseSettings decodes YAML settings on top of [DefaultSettings]. Unknown keys are errors.
func ParseSettings(data []byte) (Settings, error) {
	settings := DefaultSettings()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&settings); err != nil && !errors.Is(err, io.EOF) {
		return settings, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

// Config fields determine where an opener finds its settings and secrets.
type Config struct {
	Flags             Flag   // Controls which set of environment variables/CLI flags to use.
	ConfigFilename    string // YAML settings file
	DeviceName        string // Overrides the advertised name in the settings file
	KeyringSecretName string // Name of the rolling code secret and passkey in the system keyring
	SecretFilename    string // A file containing the hex-encoded secret, used instead of the keyring
	CacheFilename     string // Overrides the checkpoint file in the settings file
	StackBackend      string // goble, tinygo, or sim
	BtAdapterID       string
	LogLevel          string
	WebhookURL        string
	Backend           keyring.Config
	BackendType       backendType
	Debug             bool // Enable keyring debug messages

	password     *string
	passkey      uint32
	webhookToken string
	secret       []byte
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

// RegisterCommandLineFlags adds c's options to the default flag set.
func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags adds c's options to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	if c.Flags.isSet(FlagServer) {
		fs.StringVar(&c.ConfigFilename, "config", "", "YAML settings `file`. Defaults to $OPENER_CONFIG_FILE, then "+DefaultConfigFilename+" if it exists.")
		fs.StringVar(&c.DeviceName, "name", "", "Advertised device `name`. Defaults to $OPENER_DEVICE_NAME.")
		fs.StringVar(&c.CacheFilename, "state-cache", "", "Save rolling code state to `file`. Defaults to $OPENER_CACHE_FILE.")
		fs.StringVar(&c.LogLevel, "log-level", "", "Log `level` (none|error|warning|info|debug). Defaults to $OPENER_LOG_LEVEL.")
		fs.StringVar(&c.WebhookURL, "webhook", "", "POST incidents to `url`. Defaults to $OPENER_WEBHOOK_URL.")
	}
	if c.Flags.isSet(FlagBackend) {
		fs.StringVar(&c.StackBackend, "backend", "", "BLE `backend` ("+strings.Join(Backends(), "|")+"). Defaults to $OPENER_BACKEND.")
		c.registerFlagsOsSpecific(fs)
	}
	if c.Flags.isSet(FlagSecret) {
		fs.StringVar(&c.KeyringSecretName, "secret-name", "", "System keyring `name` for the rolling code secret. Defaults to $OPENER_SECRET_NAME.")
		fs.StringVar(&c.SecretFilename, "secret-file", "", "A `file` containing the hex-encoded secret. Defaults to $OPENER_SECRET_FILE.")

		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $OPENER_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// Backends lists the names accepted by -backend.
func Backends() []string {
	return []string{BackendGoBLE, BackendTinyGo, BackendSimulated}
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagServer) {
		if c.ConfigFilename == "" {
			c.ConfigFilename = os.Getenv(EnvOpenerConfigFile)
			log.Debug("Set settings file to '%s'", c.ConfigFilename)
		}
		if c.DeviceName == "" {
			c.DeviceName = os.Getenv(EnvOpenerDeviceName)
		}
		if c.CacheFilename == "" {
			c.CacheFilename = os.Getenv(EnvOpenerCacheFile)
			log.Debug("Set state cache file to '%s'", c.CacheFilename)
		}
		if c.LogLevel == "" {
			c.LogLevel = os.Getenv(EnvOpenerLogLevel)
		}
		if c.WebhookURL == "" {
			c.WebhookURL = os.Getenv(EnvOpenerWebhookURL)
		}
		c.webhookToken = os.Getenv(EnvOpenerWebhookToken)
	}
	if c.Flags.isSet(FlagBackend) {
		if c.StackBackend == "" {
			c.StackBackend = os.Getenv(EnvOpenerBackend)
			log.Debug("Set BLE backend to '%s'", c.StackBackend)
		}
		if c.BtAdapterID == "" {
			c.BtAdapterID = os.Getenv(EnvOpenerAdapter)
		}
	}
	if c.Flags.isSet(FlagSecret) {
		if c.KeyringSecretName == "" && c.SecretFilename == "" {
			c.KeyringSecretName = os.Getenv(EnvOpenerSecretName)
			log.Debug("Set secret name to '%s'", c.KeyringSecretName)

			c.SecretFilename = os.Getenv(EnvOpenerSecretFile)
			log.Debug("Set secret file to '%s'", c.SecretFilename)
		}
		if c.passkey == 0 {
			if value, ok := os.LookupEnv(EnvOpenerPasskey); ok {
				if passkey, err := ParsePasskey(value); err == nil {
					c.passkey = passkey
					log.Debug("Set passkey to %s", strings.Repeat("*", passkeyMaxDigits))
				} else {
					log.Warning("Ignoring $%s: %s", EnvOpenerPasskey, err)
				}
			}
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvOpenerKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvOpenerKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvOpenerKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvOpenerKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

// ParsePasskey parses a decimal passkey of at most six digits. Zero, including "000000", is
// refused because the server configuration uses it to mean unset.
func ParsePasskey(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > passkeyMaxDigits {
		return 0, ErrInvalidPasskey
	}
	value, err := strconv.ParseUint(s, 10, 32)
	if err != nil || value == 0 {
		return 0, ErrInvalidPasskey
	}
	return uint32(value), nil
}

// FormatPasskey zero-pads a passkey to six digits, the way centrals display it.
func FormatPasskey(passkey uint32) string {
	return fmt.Sprintf("%06d", passkey)
}

// LoadSettings reads c.ConfigFilename. If no file was named and the default file does not exist,
// the defaults are returned. Command-line and environment overrides are applied on top.
func (c *Config) LoadSettings() (Settings, error) {
	filename := c.ConfigFilename
	explicit := filename != ""
	if !explicit {
		filename = DefaultConfigFilename
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("failed to read settings: %w", err)
		}
		log.Debug("No settings file at %s; using defaults", filename)
		data = nil
	}
	settings, err := ParseSettings(data)
	if err != nil {
		return settings, err
	}
	c.applyOverrides(&settings)
	return settings, nil
}

func (c *Config) applyOverrides(s *Settings) {
	if c.DeviceName != "" {
		s.Server.DeviceName = c.DeviceName
	}
	if c.CacheFilename != "" {
		s.Checkpoint.File = c.CacheFilename
	}
	if c.StackBackend != "" {
		s.Backend = c.StackBackend
	}
	if c.BtAdapterID != "" {
		s.Adapter = c.BtAdapterID
	}
	if c.LogLevel != "" {
		s.LogLevel = c.LogLevel
	}
	if c.WebhookURL != "" {
		s.Webhook.URL = c.WebhookURL
	}
	if c.webhookToken != "" {
		s.Webhook.Token = c.webhookToken
	}
}

// ApplyLogLevel sets the global log level from s.
func (s Settings) ApplyLogLevel() error {
	if s.LogLevel == "" {
		return nil
	}
	level, err := log.ParseLevel(s.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}

// ServerConfig returns the validated server configuration from s, with the passkey loaded from
// the environment or keyring. Disabled security options are logged as warnings.
func (c *Config) ServerConfig(s Settings) (peripheral.Config, error) {
	cfg := s.Server
	passkey, err := c.Passkey()
	if err != nil {
		return cfg, err
	}
	cfg.Passkey = passkey
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	for _, warning := range cfg.Warnings() {
		log.Warning("Insecure configuration: %s", warning)
	}
	return cfg, nil
}

// LoadCache returns the state cache named in s, or an empty cache if the file does not exist
// yet. The second result is false if checkpointing is disabled.
func LoadCache(s Settings) (*cache.StateCache, bool, error) {
	if s.Checkpoint.File == "" {
		return nil, false, nil
	}
	log.Debug("Loading state cache from %s...", s.Checkpoint.File)
	states, err := cache.ImportFromFile(s.Checkpoint.File)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("failed to load state cache: %w", err)
		}
		states = cache.New(0)
	}
	return states, true, nil
}

// Escalator builds the incident sinks named in s. Incidents are always logged.
func Escalator(s Settings, client *http.Client) escalate.Escalator {
	sinks := escalate.Multi{escalate.Log{}}
	if s.Webhook.URL != "" {
		sinks = append(sinks, escalate.NewWebhook(s.Webhook, client))
	}
	if s.WatchdogExitCode != 0 {
		sinks = append(sinks, escalate.NewWatchdog(s.WatchdogExitCode))
	}
	return sinks
}

// Passkey returns the pairing passkey from the environment, or failing that the keyring.
func (c *Config) Passkey() (uint32, error) {
	if c.passkey != 0 {
		return c.passkey, nil
	}
	if !c.Flags.isSet(FlagSecret) {
		return 0, peripheral.ErrNoPasskey
	}
	passkey, err := c.LoadPasskeyFromKeyring()
	if err != nil {
		return 0, err
	}
	c.passkey = passkey
	return passkey, nil
}

// SetPasskey overrides the passkey for this process without persisting it.
func (c *Config) SetPasskey(passkey uint32) {
	c.passkey = passkey
}

// Secret loads the rolling code secret from the location specified in c. Without a secret file,
// the keyring entry named by c.KeyringSecretName (or [DefaultSecretName]) is used. The secret is
// cached after it is first loaded.
func (c *Config) Secret() ([]byte, error) {
	if c.secret != nil {
		return c.secret, nil
	}
	if !c.Flags.isSet(FlagSecret) {
		return nil, ErrNoSecretSpecified
	}
	var secret []byte
	var err error
	if c.SecretFilename != "" {
		secret, err = LoadSecretFile(c.SecretFilename)
	} else {
		secret, err = c.LoadSecretFromKeyring()
	}
	if err != nil {
		return nil, err
	}
	c.secret = secret
	return secret, nil
}

// SaveSecret writes secret to the system keyring or file, depending on what options are
// configured. The method prefers the keyring if both options are available.
func (c *Config) SaveSecret(secret []byte) error {
	if !c.Flags.isSet(FlagSecret) {
		return ErrNoSecretSpecified
	}
	var err error
	if c.KeyringSecretName == "" && c.SecretFilename != "" {
		err = SaveSecretFile(c.SecretFilename, secret)
	} else {
		err = c.saveSecretToKeyring(secret)
	}
	if err == nil {
		c.secret = secret
	}
	return err
}

// LoadSecretFile reads a hex-encoded secret. Surrounding whitespace is ignored.
func LoadSecretFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid secret file %s: %w", filename, err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", filename)
	}
	return secret, nil
}

// SaveSecretFile writes secret hex-encoded to filename, readable only by the owner.
func SaveSecretFile(filename string, secret []byte) error {
	return os.WriteFile(filename, []byte(hex.EncodeToString(secret)+"\n"), 0600)
}
