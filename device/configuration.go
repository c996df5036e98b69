package device

import (
	"errors"
	"slices"
	"sync"

	"github.com/ardnew/tildabridge/device/hal"
	"github.com/ardnew/tildabridge/pkg"
)

// MaxAssociationsPerConfiguration bounds the IADs of one configuration.
const MaxAssociationsPerConfiguration = 4

// MaxPowerMilliamps is the most a bus-powered configuration may draw.
const MaxPowerMilliamps = 500

// InterfaceAssociation groups the interfaces of one function, such as a
// CDC control and data pair.
type InterfaceAssociation struct {
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	StringIndex      uint8
}

func (a *InterfaceAssociation) descriptor() InterfaceAssociationDescriptor {
	return InterfaceAssociationDescriptor{
		FirstInterface:   a.FirstInterface,
		InterfaceCount:   a.InterfaceCount,
		FunctionClass:    a.FunctionClass,
		FunctionSubClass: a.FunctionSubClass,
		FunctionProtocol: a.FunctionProtocol,
		FunctionIndex:    a.StringIndex,
	}
}

// Configuration is one configuration of the device: its attributes and
// interfaces, and the associations between them.
type Configuration struct {
	Value       uint8
	Attributes  uint8
	MaxPower    uint8 // 2 mA units
	StringIndex uint8

	mutex        sync.RWMutex
	interfaces   []*Interface
	associations []InterfaceAssociation
}

// NewConfiguration returns a bus-powered configuration drawing 100 mA.
func NewConfiguration(value uint8) *Configuration {
	return &Configuration{
		Value:      value,
		Attributes: ConfigAttrBusPowered,
		MaxPower:   50,
	}
}

// SetMaxPowerMilliamps sets bMaxPower, rounding up to the 2 mA unit.
func (c *Configuration) SetMaxPowerMilliamps(mA uint16) error {
	if mA > MaxPowerMilliamps {
		return pkg.ErrInvalidParameter
	}
	c.mutex.Lock()
	c.MaxPower = uint8((mA + 1) / 2)
	c.mutex.Unlock()
	return nil
}

// AddInterface appends iface. Interface numbers are unique.
func (c *Configuration) AddInterface(iface *Interface) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.findInterface(iface.Number) != nil {
		return pkg.ErrBusy
	}
	var err error
	if c.interfaces, err = bounded(c.interfaces, iface, MaxInterfacesPerConfiguration); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentDevice, "interface added to configuration",
		"config", c.Value,
		"interface", iface.Number)
	return nil
}

func (c *Configuration) findInterface(number uint8) *Interface {
	if k := slices.IndexFunc(c.interfaces, func(iface *Interface) bool { return iface.Number == number }); k >= 0 {
		return c.interfaces[k]
	}
	return nil
}

func (c *Configuration) GetInterface(number uint8) *Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.findInterface(number)
}

// Interfaces returns the interfaces in descriptor order. The slice aliases
// internal storage.
func (c *Configuration) Interfaces() []*Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaces
}

func (c *Configuration) NumInterfaces() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.interfaces)
}

// AddAssociation records an IAD, emitted before its first interface.
func (c *Configuration) AddAssociation(assoc *InterfaceAssociation) error {
	if assoc.InterfaceCount == 0 {
		return pkg.ErrInvalidParameter
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var err error
	c.associations, err = bounded(c.associations, *assoc, MaxAssociationsPerConfiguration)
	return err
}

func (c *Configuration) Descriptor() *ConfigurationDescriptor {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.descriptor()
}

func (c *Configuration) descriptor() *ConfigurationDescriptor {
	return &ConfigurationDescriptor{
		TotalLength:        uint16(c.emit(nil)),
		NumInterfaces:      uint8(len(c.interfaces)),
		ConfigurationValue: c.Value,
		ConfigurationIndex: c.StringIndex,
		Attributes:         c.Attributes,
		MaxPower:           c.MaxPower,
	}
}

// emit walks everything the configuration sends after its own header and
// returns the length in bytes: wTotalLength counts the header as well. A
// nil buf only measures; otherwise buf must hold the full length.
func (c *Configuration) emit(buf []byte) int {
	n := ConfigurationDescriptorSize
	put := func(size int, write func([]byte) int) {
		if buf != nil {
			write(buf[n:])
		}
		n += size
	}

	for _, iface := range c.interfaces {
		for a := range c.associations {
			if iad := c.associations[a].descriptor(); iad.FirstInterface == iface.Number {
				put(IADSize, iad.MarshalTo)
			}
		}
		put(InterfaceDescriptorSize, iface.Descriptor().MarshalTo)
		class := iface.ClassDescriptors()
		put(len(class), func(b []byte) int { return copy(b, class) })
		for _, ep := range iface.Endpoints() {
			put(EndpointDescriptorSize, ep.Descriptor().MarshalTo)
		}
	}
	return n
}

// MarshalTo writes the configuration descriptor followed by its IADs,
// interfaces, class-specific descriptors and endpoints. It returns 0 when
// buf cannot hold wTotalLength bytes.
func (c *Configuration) MarshalTo(buf []byte) int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	desc := c.descriptor()
	total := int(desc.TotalLength)
	if total > len(buf) {
		return 0
	}
	desc.MarshalTo(buf)
	return c.emit(buf[:total])
}

// SetSelfPowered sets or clears the self-powered attribute.
func (c *Configuration) SetSelfPowered(selfPowered bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if selfPowered {
		c.Attributes |= ConfigAttrSelfPowered
	} else {
		c.Attributes &^= ConfigAttrSelfPowered
	}
}

func (c *Configuration) IsSelfPowered() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.Attributes&ConfigAttrSelfPowered != 0
}

// EndpointConfigs lists the data endpoints in the form the HAL arms them.
func (c *Configuration) EndpointConfigs() []hal.EndpointConfig {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var eps []hal.EndpointConfig
	for _, iface := range c.interfaces {
		for _, ep := range iface.Endpoints() {
			eps = append(eps, hal.EndpointConfig{
				Address:       ep.Address,
				Attributes:    ep.Attributes,
				MaxPacketSize: ep.MaxPacketSize,
				Interval:      ep.Interval,
			})
		}
	}
	return eps
}

// Close closes every interface and forgets them.
func (c *Configuration) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	errs := make([]error, 0, len(c.interfaces))
	for _, iface := range c.interfaces {
		errs = append(errs, iface.Close())
	}
	c.interfaces = nil
	return errors.Join(errs...)
}
