package bridge

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ardnew/tildabridge/device"
	"github.com/ardnew/tildabridge/device/class/cdc"
	"github.com/ardnew/tildabridge/device/class/webusb"
)

// Endpoint addresses of the composite device.
const (
	SerialNotifyEP = 0x81
	SerialOutEP    = 0x01
	SerialInEP     = 0x82
	WebUSBNotifyEP = 0x83
	WebUSBOutEP    = 0x02
	WebUSBInEP     = 0x84
)

// Interface numbers of the composite device.
const (
	SerialControlInterface = 0
	SerialDataInterface    = 1
	WebUSBCommInterface    = 2
	WebUSBDataInterface    = 3
)

// ConfigurationValue is the single configuration of the device.
const ConfigurationValue = 1

// Identity describes how the device presents itself to the host.
type Identity struct {
	VendorID      uint16
	ProductID     uint16
	Manufacturer  string
	Product       string
	Serial        string
	MaxPower      uint16 // mA
	LandingPage   string
	InterfaceGUID uuid.UUID
}

// DefaultIdentity returns the identity of a stock board with the given
// serial number.
func DefaultIdentity(serial string) Identity {
	return Identity{
		VendorID:      0x16C0,
		ProductID:     0x27DD,
		Manufacturer:  "Electromagnetic Field",
		Product:       "TiLDA MkV",
		Serial:        serial,
		MaxPower:      500,
		LandingPage:   webusb.DefaultLandingPage,
		InterfaceGUID: webusb.DefaultInterfaceGUID,
	}
}

// Functions holds the two USB functions of the bridge.
type Functions struct {
	Serial *cdc.ACM
	WebUSB *webusb.WebUSB
}

// BuildDevice assembles the composite device: the CDC-ACM port on
// interfaces 0 and 1 and the WebUSB function on interfaces 2 and 3.
func BuildDevice(ctx context.Context, id Identity) (*device.Device, Functions, error) {
	fns := Functions{
		Serial: cdc.NewACM(),
		WebUSB: webusb.New(id.LandingPage, id.InterfaceGUID),
	}

	builder := device.NewDeviceBuilder().
		WithVendorProduct(id.VendorID, id.ProductID).
		WithDeviceClass(device.ClassMisc, 0x02, 0x01).
		WithStrings(id.Manufacturer, id.Product, id.Serial).
		AddConfiguration(ConfigurationValue).
		WithMaxPower(id.MaxPower)
	fns.Serial.ConfigureDevice(builder, SerialNotifyEP, SerialInEP, SerialOutEP)
	fns.WebUSB.ConfigureDevice(builder, WebUSBNotifyEP, WebUSBInEP, WebUSBOutEP)

	dev, err := builder.Build(ctx)
	if err != nil {
		return nil, Functions{}, fmt.Errorf("build device: %w", err)
	}
	if err := fns.Serial.AttachToInterfaces(dev, ConfigurationValue, SerialControlInterface, SerialDataInterface); err != nil {
		return nil, Functions{}, fmt.Errorf("attach serial: %w", err)
	}
	if err := fns.WebUSB.AttachToInterfaces(dev, ConfigurationValue, WebUSBCommInterface, WebUSBDataInterface); err != nil {
		return nil, Functions{}, fmt.Errorf("attach webusb: %w", err)
	}
	return dev, fns, nil
}
