package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/tildabridge/pkg"
)

// DeviceBuilder assembles a device top-down: device fields, then a
// configuration, then its interfaces and their endpoints. Each step applies
// to the most recent parent. Errors are collected and reported by Build.
type DeviceBuilder struct {
	device *Device
	config *Configuration
	iface  *Interface
	errs   []error
}

// builderLevel is the parent a step needs.
type builderLevel int

const (
	levelDevice builderLevel = iota
	levelConfiguration
	levelInterface
)

func NewDeviceBuilder() *DeviceBuilder {
	return &DeviceBuilder{}
}

// step runs fn when the parent for level exists and records its error.
func (b *DeviceBuilder) step(name string, level builderLevel, fn func() error) *DeviceBuilder {
	var ready bool
	switch level {
	case levelDevice:
		ready = b.device != nil
	case levelConfiguration:
		ready = b.config != nil
	case levelInterface:
		ready = b.iface != nil
	}
	if !ready {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, pkg.ErrInvalidState))
		return b
	}
	if err := fn(); err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
	return b
}

// WithVendorProduct starts the device, USB 2.0 with a 64-byte EP0, and sets
// idVendor and idProduct.
func (b *DeviceBuilder) WithVendorProduct(vendorID, productID uint16) *DeviceBuilder {
	if b.device == nil {
		b.device = NewDevice(&DeviceDescriptor{
			Length:         DeviceDescriptorSize,
			DescriptorType: DescriptorTypeDevice,
			USBVersion:     USBVersion20,
			MaxPacketSize0: uint8(SpeedFull.MaxPacketSize0()),
		})
	}
	b.device.Descriptor.VendorID = vendorID
	b.device.Descriptor.ProductID = productID
	return b
}

// WithDeviceClass sets the class triple of the device descriptor.
func (b *DeviceBuilder) WithDeviceClass(class, subClass, protocol uint8) *DeviceBuilder {
	return b.step("device class", levelDevice, func() error {
		d := b.device.Descriptor
		d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol = class, subClass, protocol
		return nil
	})
}

// WithStrings publishes US English manufacturer, product and serial strings
// at indexes 1, 2 and 3. Empty strings are left out.
func (b *DeviceBuilder) WithStrings(manufacturer, product, serial string) *DeviceBuilder {
	return b.step("strings", levelDevice, func() error {
		if err := b.device.SetLanguages(LangIDUSEnglish); err != nil {
			return err
		}
		d := b.device.Descriptor
		for _, s := range []struct {
			index uint8
			field *uint8
			value string
		}{
			{1, &d.ManufacturerIndex, manufacturer},
			{2, &d.ProductIndex, product},
			{3, &d.SerialNumberIndex, serial},
		} {
			if s.value == "" {
				continue
			}
			if err := b.device.SetString(s.index, s.value); err != nil {
				return fmt.Errorf("string %d: %w", s.index, err)
			}
			*s.field = s.index
		}
		return nil
	})
}

// WithCapability adds a BOS device capability.
func (b *DeviceBuilder) WithCapability(capType uint8, data []byte) *DeviceBuilder {
	return b.step("capability", levelDevice, func() error {
		return b.device.AddCapability(capType, data)
	})
}

// WithVendorHandler registers a device-level vendor request handler.
func (b *DeviceBuilder) WithVendorHandler(h VendorHandler) *DeviceBuilder {
	return b.step("vendor handler", levelDevice, func() error {
		return b.device.AddVendorHandler(h)
	})
}

// AddConfiguration starts a configuration.
func (b *DeviceBuilder) AddConfiguration(value uint8) *DeviceBuilder {
	return b.step("configuration", levelDevice, func() error {
		b.config, b.iface = NewConfiguration(value), nil
		if err := b.device.AddConfiguration(b.config); err != nil {
			return err
		}
		b.device.Descriptor.NumConfigurations++
		return nil
	})
}

// WithMaxPower sets bMaxPower of the current configuration.
func (b *DeviceBuilder) WithMaxPower(mA uint16) *DeviceBuilder {
	return b.step("max power", levelConfiguration, func() error {
		return b.config.SetMaxPowerMilliamps(mA)
	})
}

// WithAssociation groups count interfaces, starting at first, into one
// function of the current configuration.
func (b *DeviceBuilder) WithAssociation(first, count, class, subClass, protocol uint8) *DeviceBuilder {
	return b.step("association", levelConfiguration, func() error {
		return b.config.AddAssociation(&InterfaceAssociation{
			FirstInterface:   first,
			InterfaceCount:   count,
			FunctionClass:    class,
			FunctionSubClass: subClass,
			FunctionProtocol: protocol,
		})
	})
}

// NextInterfaceNumber is the number the next AddInterface assigns.
func (b *DeviceBuilder) NextInterfaceNumber() uint8 {
	if b.config == nil {
		return 0
	}
	return uint8(b.config.NumInterfaces())
}

// AddInterface starts the next interface of the current configuration.
func (b *DeviceBuilder) AddInterface(class, subClass, protocol uint8) *DeviceBuilder {
	return b.step("interface", levelConfiguration, func() error {
		b.iface = NewInterface(&InterfaceDescriptor{
			Length:            InterfaceDescriptorSize,
			DescriptorType:    DescriptorTypeInterface,
			InterfaceNumber:   b.NextInterfaceNumber(),
			InterfaceClass:    class,
			InterfaceSubClass: subClass,
			InterfaceProtocol: protocol,
		})
		return b.config.AddInterface(b.iface)
	})
}

// WithClassDescriptors attaches class-specific descriptors to the current
// interface.
func (b *DeviceBuilder) WithClassDescriptors(data []byte) *DeviceBuilder {
	return b.step("class descriptors", levelInterface, func() error {
		return b.iface.SetClassDescriptors(data)
	})
}

// AddEndpoint adds a bulk or control endpoint to the current interface.
func (b *DeviceBuilder) AddEndpoint(address, transferType uint8, maxPacketSize uint16) *DeviceBuilder {
	return b.AddEndpointInterval(address, transferType, maxPacketSize, 0)
}

// AddEndpointInterval adds an endpoint with a polling interval.
func (b *DeviceBuilder) AddEndpointInterval(address, transferType uint8, maxPacketSize uint16, interval uint8) *DeviceBuilder {
	return b.step(fmt.Sprintf("endpoint 0x%02X", address), levelInterface, func() error {
		return b.iface.AddEndpoint(&Endpoint{
			Address:       address,
			Attributes:    transferType,
			MaxPacketSize: maxPacketSize,
			Interval:      interval,
		})
	})
}

// Build returns the device, or every error collected along the way.
func (b *DeviceBuilder) Build(ctx context.Context) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if b.device == nil {
		return nil, fmt.Errorf("no device: %w", pkg.ErrInvalidState)
	}
	return b.device, nil
}
