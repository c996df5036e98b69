// Package device implements a USB 2.0 full-speed device stack.
//
// The stack talks to hardware only through [hal.DeviceHAL] from
// [github.com/ardnew/tildabridge/device/hal]. Everything above the HAL is
// plain Go: descriptors, the device state machine, standard requests and the
// dispatch of class and vendor requests.
//
// # Building a device
//
// [DeviceBuilder] assembles a device, accumulating the first error until
// Build:
//
//	dev, err := device.NewDeviceBuilder().
//	    WithVendorProduct(0x16c0, 0x27dd).
//	    WithStrings("Electromagnetic Field", "TiLDA MkV", serial).
//	    AddConfiguration(1).
//	    WithMaxPower(500).
//	    AddInterface(device.ClassCDC, 0x02, 0x00).
//	    WithClassDescriptors(functional).
//	    AddEndpointInterval(0x81, device.EndpointTypeInterrupt, 8, 255).
//	    Build(ctx)
//
// Class-specific descriptors set on an interface are emitted right after its
// interface descriptor. Device capabilities added with [Device.AddCapability]
// are served as the BOS descriptor, and bcdUSB is raised to 2.10.
//
// # Control transfers
//
// [Stack] services EP0 in a goroutine. For each SETUP it reads the OUT data
// stage first, then offers the request to, in order:
//
//   - the [StandardRequestHandler] for standard requests;
//   - the [ClassDriver] of the addressed interface for class requests;
//   - each registered [VendorHandler] for vendor requests.
//
// IN responses are truncated to wLength and always sent, so an empty
// response completes with a zero-length packet. Any error or unhandled
// request stalls EP0.
//
// # Allocation
//
// Descriptors serialize through MarshalTo(buf) and parse through
// ParseX(data, *out). Endpoints, interfaces and configurations are capped at
// the USB limits, and adding past a cap returns pkg.ErrNoMemory.
package device
