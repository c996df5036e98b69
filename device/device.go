package device

import (
	"errors"
	"slices"
	"sync"

	"github.com/ardnew/tildabridge/pkg"
)

// Device is the chapter 9 model of one USB device: its descriptors, the
// configurations it offers and the enumeration state the host has driven
// it into. All methods are safe for concurrent use.
type Device struct {
	Descriptor *DeviceDescriptor

	mutex sync.RWMutex

	configurations []*Configuration
	active         *Configuration

	// Encoded string descriptors by index; index 0 holds the language IDs.
	strings [MaxStrings][]byte

	capabilities   []capability
	vendorHandlers []VendorHandler
	resetHooks     []func()

	state        State
	address      uint8
	speed        Speed
	remoteWakeup bool
	ep0          *Endpoint

	onStateChange func(old, new State)
	onReset       func()
}

// VendorHandler answers vendor requests addressed to the device, such as the
// WebUSB and Microsoft OS 2.0 descriptor requests. Handlers are consulted in
// registration order, whether or not a configuration is active.
type VendorHandler interface {
	// HandleVendor follows the same contract as ClassDriver.HandleSetup.
	HandleVendor(setup *SetupPacket, data []byte) (response []byte, handled bool, err error)
}

type capability struct {
	capType uint8
	data    []byte
}

// bounded appends v to s unless s already holds limit entries.
func bounded[T any](s []T, v T, limit int) ([]T, error) {
	if len(s) >= limit {
		return s, pkg.ErrNoMemory
	}
	return append(s, v), nil
}

// NewDevice returns an attached, unaddressed full-speed device.
func NewDevice(desc *DeviceDescriptor) *Device {
	return &Device{
		Descriptor: desc,
		state:      StateAttached,
		speed:      SpeedFull,
		ep0: &Endpoint{
			Attributes:    EndpointTypeControl,
			MaxPacketSize: uint16(desc.MaxPacketSize0),
		},
	}
}

func (d *Device) findConfiguration(value uint8) *Configuration {
	i := slices.IndexFunc(d.configurations, func(c *Configuration) bool { return c.Value == value })
	if i < 0 {
		return nil
	}
	return d.configurations[i]
}

// AddConfiguration offers config to the host. bConfigurationValue must be
// unique.
func (d *Device) AddConfiguration(config *Configuration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.findConfiguration(config.Value) != nil {
		return pkg.ErrBusy
	}
	var err error
	if d.configurations, err = bounded(d.configurations, config, MaxConfigurations); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentDevice, "configuration added", "value", config.Value)
	return nil
}

func (d *Device) GetConfiguration(value uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.findConfiguration(value)
}

// ActiveConfiguration is nil until the host selects one.
func (d *Device) ActiveConfiguration() *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.active
}

func (d *Device) storeString(index uint8, desc []byte) error {
	if index >= MaxStrings || len(desc) == 0 {
		return pkg.ErrInvalidParameter
	}
	d.mutex.Lock()
	d.strings[index] = desc
	d.mutex.Unlock()
	return nil
}

// SetString encodes s as string descriptor index. Index 0 is reserved for
// the language table.
func (d *Device) SetString(index uint8, s string) error {
	if index == 0 {
		return pkg.ErrInvalidParameter
	}
	var buf [2 + 2*maxStringUnits]byte
	n := StringDescriptorTo(buf[:], s)
	return d.storeString(index, slices.Clone(buf[:n]))
}

// SetLanguages publishes the supported language IDs as string descriptor 0.
func (d *Device) SetLanguages(langIDs ...uint16) error {
	buf := make([]byte, 2+2*len(langIDs))
	return d.storeString(0, buf[:LanguageDescriptorTo(buf, langIDs...)])
}

// GetString returns an encoded string descriptor, or nil.
func (d *Device) GetString(index uint8) []byte {
	if index >= MaxStrings {
		return nil
	}
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.strings[index]
}

// AddCapability appends a BOS device capability and raises bcdUSB to 2.1,
// the first revision with a BOS. data is the body following
// bDevCapabilityType and is kept by reference.
func (d *Device) AddCapability(capType uint8, data []byte) error {
	if DeviceCapabilityHeaderSize+len(data) > 0xFF {
		return pkg.ErrInvalidParameter
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var err error
	d.capabilities, err = bounded(d.capabilities, capability{capType, data}, MaxCapabilities)
	if err != nil {
		return err
	}
	d.Descriptor.USBVersion = max(d.Descriptor.USBVersion, USBVersion21)
	return nil
}

func (d *Device) NumCapabilities() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return len(d.capabilities)
}

// MarshalBOSTo writes the BOS descriptor and its capabilities to buf. It
// returns 0 when there are no capabilities or buf is too small.
func (d *Device) MarshalBOSTo(buf []byte) int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if len(d.capabilities) == 0 {
		return 0
	}
	total := BOSDescriptorSize
	for _, c := range d.capabilities {
		total += DeviceCapabilityHeaderSize + len(c.data)
	}
	if total > len(buf) || total > 0xFFFF {
		return 0
	}

	n := (&BOSDescriptor{
		TotalLength:   uint16(total),
		NumDeviceCaps: uint8(len(d.capabilities)),
	}).MarshalTo(buf)
	for _, c := range d.capabilities {
		n += DeviceCapabilityTo(buf[n:], c.capType, c.data)
	}
	return n
}

func (d *Device) AddVendorHandler(h VendorHandler) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	var err error
	d.vendorHandlers, err = bounded(d.vendorHandlers, h, MaxVendorHandlers)
	return err
}

// HandleVendor offers a vendor request to each handler until one claims it.
// Handlers run without the device lock held.
func (d *Device) HandleVendor(setup *SetupPacket, data []byte) ([]byte, bool, error) {
	d.mutex.RLock()
	handlers := d.vendorHandlers
	d.mutex.RUnlock()

	for _, h := range handlers {
		if resp, handled, err := h.HandleVendor(setup, data); handled {
			return resp, true, err
		}
	}
	return nil, false, nil
}

// AddResetHook registers fn to run on every bus reset, in registration
// order and before the OnReset callback.
func (d *Device) AddResetHook(fn func()) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	var err error
	d.resetHooks, err = bounded(d.resetHooks, fn, MaxVendorHandlers)
	return err
}

func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

func (d *Device) Speed() Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// SetSpeed records the speed the controller negotiated.
func (d *Device) SetSpeed(speed Speed) {
	d.mutex.Lock()
	d.speed = speed
	d.mutex.Unlock()
}

func (d *Device) ControlEndpoint() *Endpoint {
	return d.ep0
}

func (d *Device) IsConfigured() bool {
	return d.State() == StateConfigured
}

// transition moves to next and notifies the state listener. The caller must
// hold the lock, which transition releases.
func (d *Device) transition(next State) {
	prev := d.state
	d.state = next
	notify := d.onStateChange
	d.mutex.Unlock()

	if prev == next {
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "device state changed", "from", prev, "to", next)
	if notify != nil {
		notify(prev, next)
	}
}

// lockIn takes the lock when the device is in one of states. On failure the
// lock is not held.
func (d *Device) lockIn(states ...State) error {
	d.mutex.Lock()
	if !slices.Contains(states, d.state) {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}
	return nil
}

// Reset returns the device to the default state after a bus reset: address
// zero, unconfigured, remote wakeup disabled. Reset hooks then run, followed
// by the OnReset callback.
func (d *Device) Reset() {
	d.mutex.Lock()
	d.address = 0
	d.active = nil
	d.remoteWakeup = false
	hooks := d.resetHooks
	done := d.onReset
	d.transition(StateDefault)

	for _, hook := range hooks {
		hook()
	}
	if done != nil {
		done()
	}
	pkg.LogDebug(pkg.ComponentDevice, "device reset")
}

// SetAddress applies SET_ADDRESS. Address zero returns the device to the
// default state.
func (d *Device) SetAddress(address uint8) error {
	if err := d.lockIn(StateDefault, StateAddress); err != nil {
		return err
	}
	d.address = address
	if address == 0 {
		d.transition(StateDefault)
	} else {
		d.transition(StateAddress)
	}
	pkg.LogDebug(pkg.ComponentDevice, "device address set", "address", address)
	return nil
}

// SetConfiguration applies SET_CONFIGURATION. Value zero deconfigures the
// device; an unknown value is a request error.
func (d *Device) SetConfiguration(value uint8) error {
	if err := d.lockIn(StateAddress, StateConfigured); err != nil {
		return err
	}
	if value == 0 {
		d.active = nil
		d.transition(StateAddress)
		return nil
	}
	config := d.findConfiguration(value)
	if config == nil {
		d.mutex.Unlock()
		return pkg.ErrInvalidRequest
	}
	d.active = config
	d.transition(StateConfigured)
	pkg.LogDebug(pkg.ComponentDevice, "device configured", "configuration", value)
	return nil
}

func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	d.remoteWakeup = enabled
	d.mutex.Unlock()
}

func (d *Device) IsRemoteWakeupEnabled() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.remoteWakeup
}

// GetInterface looks number up in the active configuration.
func (d *Device) GetInterface(number uint8) *Interface {
	if config := d.ActiveConfiguration(); config != nil {
		return config.GetInterface(number)
	}
	return nil
}

// GetEndpoint returns EP0 for either direction of address 0, otherwise an
// endpoint of the active configuration.
func (d *Device) GetEndpoint(address uint8) *Endpoint {
	if address&^EndpointDirectionIn == 0 {
		return d.ep0
	}
	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	for _, iface := range config.Interfaces() {
		if ep := iface.GetEndpoint(address); ep != nil {
			return ep
		}
	}
	return nil
}

func (d *Device) SetEndpointStall(address uint8, stalled bool) error {
	ep := d.GetEndpoint(address)
	if ep == nil {
		return pkg.ErrInvalidEndpoint
	}
	ep.SetStall(stalled)
	return nil
}

// SetOnStateChange registers the state listener, called outside the lock.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	d.onStateChange = cb
	d.mutex.Unlock()
}

// SetOnReset registers a callback run last on every bus reset.
func (d *Device) SetOnReset(cb func()) {
	d.mutex.Lock()
	d.onReset = cb
	d.mutex.Unlock()
}

// Close closes every configuration and forgets them.
func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	errs := make([]error, 0, len(d.configurations))
	for _, config := range d.configurations {
		errs = append(errs, config.Close())
	}
	d.configurations = nil
	d.active = nil
	return errors.Join(errs...)
}

// DeviceStatus is the GET_STATUS word for the device recipient.
type DeviceStatus uint16

const (
	DeviceStatusSelfPowered  DeviceStatus = 1 << 0
	DeviceStatusRemoteWakeup DeviceStatus = 1 << 1
)

func (d *Device) GetStatus() DeviceStatus {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var status DeviceStatus
	if d.active != nil && d.active.IsSelfPowered() {
		status |= DeviceStatusSelfPowered
	}
	if d.remoteWakeup {
		status |= DeviceStatusRemoteWakeup
	}
	return status
}
