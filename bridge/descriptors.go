package bridge

import (
	"fmt"

	"github.com/ardnew/tildabridge/device"
	"github.com/ardnew/tildabridge/device/class/webusb"
)

// Descriptor is one raw descriptor block as the host would read it.
type Descriptor struct {
	Name string
	Data []byte
}

// Descriptors returns every descriptor the bridge serves: device,
// configuration, strings, BOS, the WebUSB landing page URL and the
// MS OS 2.0 descriptor set.
func Descriptors(dev *device.Device) ([]Descriptor, error) {
	var out []Descriptor

	var desc [device.DeviceDescriptorSize]byte
	out = append(out, Descriptor{Name: "device", Data: desc[:dev.Descriptor.MarshalTo(desc[:])]})

	config := dev.GetConfiguration(ConfigurationValue)
	if config == nil {
		return nil, fmt.Errorf("configuration %d missing", ConfigurationValue)
	}
	buf := make([]byte, config.Descriptor().TotalLength)
	if config.MarshalTo(buf) == 0 {
		return nil, fmt.Errorf("configuration %d does not fit %d bytes", ConfigurationValue, len(buf))
	}
	out = append(out, Descriptor{Name: "configuration", Data: buf})

	for i := uint8(0); i < device.MaxStrings; i++ {
		if s := dev.GetString(i); len(s) > 0 {
			out = append(out, Descriptor{Name: fmt.Sprintf("string %d", i), Data: s})
		}
	}

	bos := make([]byte, 0xFF)
	out = append(out, Descriptor{Name: "bos", Data: bos[:dev.MarshalBOSTo(bos)]})

	for _, req := range []struct {
		name  string
		setup device.SetupPacket
	}{
		{"webusb url", device.SetupPacket{
			RequestType: device.RequestDirectionDeviceToHost | device.RequestTypeVendor,
			Request:     webusb.VendorCodeWebUSB,
			Value:       webusb.LandingPageIndex,
			Index:       webusb.RequestGetURL,
			Length:      0xFF,
		}},
		{"ms os 2.0 set", device.SetupPacket{
			RequestType: device.RequestDirectionDeviceToHost | device.RequestTypeVendor,
			Request:     webusb.VendorCodeMSOS20,
			Index:       webusb.MSOS20DescriptorIndex,
			Length:      0xFFFF,
		}},
	} {
		data, handled, err := dev.HandleVendor(&req.setup, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", req.name, err)
		}
		if handled {
			out = append(out, Descriptor{Name: req.name, Data: append([]byte(nil), data...)})
		}
	}
	return out, nil
}
