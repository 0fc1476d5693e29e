package peripheral

import (
	"errors"
	"fmt"
	"time"

	"github.com/teslamotors/vehicle-opener/internal/retry"
	"github.com/teslamotors/vehicle-opener/internal/rolling"
	"github.com/teslamotors/vehicle-opener/pkg/gatt"
)

const (
	DefaultDeviceName = "RAV4-Opener"
	MaxPasskey        = 999999
)

// SecurityConfig controls pairing. The zero value is not safe; start from DefaultConfig.
type SecurityConfig struct {
	Bonding               bool          `yaml:"bonding"`
	MITM                  bool          `yaml:"mitm"`
	SecureConnectionsOnly bool          `yaml:"secure_connections_only"`
	RequireEncryption     bool          `yaml:"require_encryption"`
	PairingTimeout        time.Duration `yaml:"pairing_timeout"`
}

type AdvertisingConfig struct {
	MultiLink    bool         `yaml:"multi_link"`
	ScanResponse bool         `yaml:"scan_response"`
	Retry        retry.Policy `yaml:"retry"`
}

type LivenessConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StartDelay   time.Duration `yaml:"start_delay"`
	Threshold    time.Duration `yaml:"threshold"`
}

type NotifyConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type RollingConfig struct {
	Digits   int           `yaml:"digits"`
	Validity time.Duration `yaml:"validity"`
}

// WriteRateConfig limits Authorization writes per session.
type WriteRateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Identifiers are the UUIDs of the opener service and its characteristics.
type Identifiers struct {
	Service       gatt.UUID `yaml:"service"`
	Authorization gatt.UUID `yaml:"authorization"`
	RollingCode   gatt.UUID `yaml:"rolling_code"`
	Liveness      gatt.UUID `yaml:"liveness"`
}

type Config struct {
	DeviceName      string            `yaml:"device_name"`
	TxPower         int               `yaml:"tx_power"`
	Passkey         uint32            `yaml:"-"`
	Identifiers     Identifiers       `yaml:"identifiers"`
	ConnParams      ConnParams        `yaml:"conn_params"`
	Security        SecurityConfig    `yaml:"security"`
	Advertising     AdvertisingConfig `yaml:"advertising"`
	Liveness        LivenessConfig    `yaml:"liveness"`
	Notify          NotifyConfig      `yaml:"notify"`
	Rolling         RollingConfig     `yaml:"rolling"`
	WriteRate       WriteRateConfig   `yaml:"write_rate"`
	CallbackTimeout time.Duration     `yaml:"callback_timeout"`
}

// DefaultIdentifiers returns the UUIDs used by deployed openers.
func DefaultIdentifiers() Identifiers {
	return Identifiers{
		Service:       gatt.UUID16(0xAAAA),
		Authorization: gatt.UUID16(0xBBBB),
		RollingCode:   gatt.UUID16(0xCCCC),
		Liveness:      gatt.UUID16(0xDDDD),
	}
}

// DefaultConfig returns a configuration with every security option enabled. The passkey must
// still be set.
func DefaultConfig() Config {
	return Config{
		DeviceName:  DefaultDeviceName,
		TxPower:     9,
		Identifiers: DefaultIdentifiers(),
		ConnParams:  ConnParams{IntervalMin: 24, IntervalMax: 48, Latency: 0, Timeout: 60},
		Security: SecurityConfig{
			Bonding:               true,
			MITM:                  true,
			SecureConnectionsOnly: true,
			RequireEncryption:     true,
			PairingTimeout:        30 * time.Second,
		},
		Advertising: AdvertisingConfig{
			MultiLink:    true,
			ScanResponse: true,
			Retry:        retry.Policy{Base: 100 * time.Millisecond, Max: 5 * time.Second, MaxAttempts: 8},
		},
		Liveness: LivenessConfig{
			PollInterval: time.Second,
			StartDelay:   2 * time.Second,
			Threshold:    time.Second,
		},
		Notify:          NotifyConfig{MaxRetries: 2, RetryDelay: 50 * time.Millisecond},
		Rolling:         RollingConfig{Digits: rolling.DefaultDigits, Validity: 30 * time.Second},
		WriteRate:       WriteRateConfig{PerSecond: 2, Burst: 4},
		CallbackTimeout: 2 * time.Second,
	}
}

var ErrNoPasskey = errors.New("passkey not configured")

// Validate returns an error describing the first invalid setting.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return errors.New("device name not configured")
	}
	if len(c.DeviceName) > 29 {
		return fmt.Errorf("device name '%s' does not fit in an advertisement", c.DeviceName)
	}
	// Zero marks an unset passkey, so 000000 cannot be configured.
	if c.Passkey == 0 {
		return ErrNoPasskey
	}
	if c.Passkey > MaxPasskey {
		return errors.New("passkey must have at most 6 digits")
	}
	ids := []gatt.UUID{c.Identifiers.Service, c.Identifiers.Authorization, c.Identifiers.RollingCode, c.Identifiers.Liveness}
	seen := make(map[gatt.UUID]bool)
	for _, id := range ids {
		if id.IsZero() {
			return errors.New("service and characteristic identifiers must be set")
		}
		if seen[id] {
			return fmt.Errorf("identifier %s used twice", id)
		}
		seen[id] = true
	}
	if err := c.ConnParams.Validate(); err != nil {
		return err
	}
	if c.Security.RequireEncryption && c.Security.PairingTimeout <= 0 {
		return errors.New("pairing timeout must be positive")
	}
	if c.Advertising.Retry.MaxAttempts < 0 {
		return errors.New("advertising retry attempts must not be negative")
	}
	if c.Liveness.PollInterval <= 0 || c.Liveness.Threshold < 0 || c.Liveness.StartDelay < 0 {
		return errors.New("invalid liveness timing")
	}
	if c.Notify.MaxRetries < 0 {
		return errors.New("notify retries must not be negative")
	}
	if c.Rolling.Digits < rolling.MinDigits || c.Rolling.Digits > rolling.MaxDigits {
		return rolling.ErrDigits
	}
	if c.WriteRate.PerSecond <= 0 || c.WriteRate.Burst <= 0 {
		return errors.New("write rate must be positive")
	}
	if c.CallbackTimeout <= 0 {
		return errors.New("callback timeout must be positive")
	}
	return nil
}

// Warnings lists the security options the operator has turned off.
func (c *Config) Warnings() []string {
	var out []string
	if !c.Security.Bonding {
		out = append(out, "bonding disabled: peers must pair on every connection")
	}
	if !c.Security.MITM {
		out = append(out, "MITM protection disabled: pairing is vulnerable to interception")
	}
	if !c.Security.SecureConnectionsOnly {
		out = append(out, "legacy pairing allowed")
	}
	if !c.Security.RequireEncryption {
		out = append(out, "encryption not required: characteristics are readable on unencrypted links")
	}
	return out
}
