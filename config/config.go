// Package config loads the tildabridge TOML configuration: the USB
// identity of the bridge, its UART and board pins, and the debug probe
// session.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"periph.io/x/conn/v3/physic"

	"github.com/ardnew/tildabridge/bridge"
	"github.com/ardnew/tildabridge/device/class/webusb"
	"github.com/ardnew/tildabridge/pkg"
	"github.com/ardnew/tildabridge/probe"
	"github.com/ardnew/tildabridge/uart"
)

// MaxPower is the largest current draw a bus-powered device may request.
const MaxPower = 500

// SerialDigits is the length of a derived serial number, the width of an
// STM32 96-bit unique ID in hex.
const SerialDigits = 24

// maxStringUnits is the payload limit of a USB string descriptor.
const maxStringUnits = 126

// USB is the [usb] table.
type USB struct {
	VendorID      uint16 `toml:"vendor_id"`
	ProductID     uint16 `toml:"product_id"`
	Manufacturer  string `toml:"manufacturer"`
	Product       string `toml:"product"`
	Serial        string `toml:"serial,omitempty"` // derived from the host when empty
	MaxPower      uint16 `toml:"max_power"`        // mA
	LandingPage   string `toml:"landing_page"`
	InterfaceGUID string `toml:"interface_guid"`
	Bus           string `toml:"bus"` // fifo bus directory
}

// UART is the [uart] table.
type UART struct {
	Device string `toml:"device"`
	Baud   int    `toml:"baud"`
}

// Pins is the [pins] table. Names are periph registry names; empty pins
// are not connected.
type Pins struct {
	EN    string `toml:"en"`
	GPIO0 string `toml:"gpio0"`
	LED   string `toml:"led"`
}

// Probe is the [probe] table.
type Probe struct {
	Device      string `toml:"device"`
	PowerSense  bool   `toml:"power_sense"`
	Target      int    `toml:"target"`
	Demangle    bool   `toml:"demangle"`
	PrettyPrint bool   `toml:"pretty_print"`
	Load        bool   `toml:"load"`
	ELF         string `toml:"elf,omitempty"`
}

// Config is the whole file.
type Config struct {
	USB   USB   `toml:"usb"`
	UART  UART  `toml:"uart"`
	Pins  Pins  `toml:"pins"`
	Probe Probe `toml:"probe"`
}

// Default returns the stock board configuration.
func Default() Config {
	id := bridge.DefaultIdentity("")
	plan := probe.DefaultPlan(probe.DefaultDevice)
	return Config{
		USB: USB{
			VendorID:      id.VendorID,
			ProductID:     id.ProductID,
			Manufacturer:  id.Manufacturer,
			Product:       id.Product,
			MaxPower:      id.MaxPower,
			LandingPage:   id.LandingPage,
			InterfaceGUID: "{" + id.InterfaceGUID.String() + "}",
			Bus:           "/tmp/tildabridge",
		},
		UART: UART{
			Device: "/dev/ttyUSB0",
			Baud:   uart.Baud(uart.DefaultRate),
		},
		Probe: Probe{
			Device:      plan.Device,
			PowerSense:  plan.PowerSense,
			Target:      plan.Target,
			Demangle:    plan.Demangle,
			PrettyPrint: plan.PrettyPrint,
			Load:        plan.Load,
		},
	}
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			pkg.LogDebug(pkg.ComponentConfig, "no config file, using defaults", "path", path)
			return Default(), nil
		}
		return Config{}, fmt.Errorf("%w: %w", pkg.ErrConfig, err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	pkg.LogDebug(pkg.ComponentConfig, "config loaded", "path", path)
	return cfg, nil
}

// Decode reads TOML over the defaults and validates the result. Unknown
// keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return Config{}, fmt.Errorf("%w: %s", pkg.ErrConfig, strict.String())
		}
		return Config{}, fmt.Errorf("%w: %w", pkg.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as TOML.
func (c Config) Encode(w io.Writer) error {
	enc := toml.NewEncoder(w)
	enc.SetIndentTables(true)
	return enc.Encode(c)
}

// Validate checks every field that the device or the probe session would
// otherwise reject later.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", pkg.ErrConfig, fmt.Sprintf(format, args...)))
	}

	if c.USB.VendorID == 0 {
		bad("usb.vendor_id is zero")
	}
	if c.USB.ProductID == 0 {
		bad("usb.product_id is zero")
	}
	if c.USB.MaxPower > MaxPower {
		bad("usb.max_power %d mA exceeds %d mA", c.USB.MaxPower, MaxPower)
	}
	for key, s := range map[string]string{
		"manufacturer": c.USB.Manufacturer,
		"product":      c.USB.Product,
		"serial":       c.USB.Serial,
	} {
		if n := len(utf16.Encode([]rune(s))); n > maxStringUnits {
			bad("usb.%s is %d UTF-16 units, limit %d", key, n, maxStringUnits)
		}
	}
	if _, err := uuid.Parse(c.USB.InterfaceGUID); err != nil {
		bad("usb.interface_guid %q: %v", c.USB.InterfaceGUID, err)
	}
	if err := validateLandingPage(c.USB.LandingPage); err != nil {
		bad("usb.landing_page: %v", err)
	}

	if c.UART.Device == "" {
		bad("uart.device is empty")
	}
	if c.UART.Baud <= 0 {
		bad("uart.baud %d is not positive", c.UART.Baud)
	}

	if err := c.Plan().Validate(); err != nil {
		bad("probe: %v", err)
	}
	return errors.Join(errs...)
}

func validateLandingPage(s string) error {
	if s == "" {
		return errors.New("empty")
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q, want http or https", u.Scheme)
	}
	var desc [255]byte
	if webusb.URLDescriptorTo(desc[:], s) == 0 {
		return fmt.Errorf("longer than %d bytes after the scheme", webusb.MaxURLLength)
	}
	return nil
}

// Identity returns the USB identity, deriving the serial number from the
// host when none is configured.
func (c Config) Identity() (bridge.Identity, error) {
	guid, err := uuid.Parse(c.USB.InterfaceGUID)
	if err != nil {
		return bridge.Identity{}, fmt.Errorf("%w: interface guid: %w", pkg.ErrConfig, err)
	}
	serial := c.USB.Serial
	if serial == "" {
		serial = HostSerial()
	}
	return bridge.Identity{
		VendorID:      c.USB.VendorID,
		ProductID:     c.USB.ProductID,
		Manufacturer:  c.USB.Manufacturer,
		Product:       c.USB.Product,
		Serial:        serial,
		MaxPower:      c.USB.MaxPower,
		LandingPage:   c.USB.LandingPage,
		InterfaceGUID: guid,
	}, nil
}

// Rate returns the UART line rate.
func (c Config) Rate() physic.Frequency {
	return physic.Frequency(c.UART.Baud) * physic.Hertz
}

// Plan returns the probe session plan.
func (c Config) Plan() probe.Plan {
	plan := probe.DefaultPlan(c.Probe.Device)
	plan.PowerSense = c.Probe.PowerSense
	plan.Target = c.Probe.Target
	plan.Demangle = c.Probe.Demangle
	plan.PrettyPrint = c.Probe.PrettyPrint
	plan.Load = c.Probe.Load
	return plan
}

// serialNamespace scopes derived serial numbers.
var serialNamespace = uuid.MustParse("5d0e8c4a-6b1f-5a51-9c1e-7417da0b2e51")

// DeriveSerial returns a stable serial number for a host identity: the
// first 96 bits of its name-based UUID as upper-case hex.
func DeriveSerial(hostID string) string {
	id := uuid.NewSHA1(serialNamespace, []byte(hostID))
	return strings.ToUpper(hex.EncodeToString(id[:SerialDigits/2]))
}

// HostSerial derives the serial number from the machine id, or the host
// name when the machine has none.
func HostSerial() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return DeriveSerial(id)
			}
		}
	}
	name, err := os.Hostname()
	if err != nil {
		pkg.LogWarn(pkg.ComponentConfig, "no host identity for serial number", "error", err)
	}
	return DeriveSerial(name)
}
