// Package webusb implements a vendor-class serial function that browsers can
// open through WebUSB and that Windows binds to WinUSB without an INF file.
//
// The function is a comm interface (class 0xFF, subclass 0) carrying CDC
// functional descriptors and an interrupt notification endpoint, and a data
// interface (class 0xFF, subclass 1) with a bulk endpoint in each direction.
// Hosts configure it with the same line coding and control line requests as
// a CDC-ACM port.
//
// ConfigureDevice also adds two BOS platform capabilities:
//
//   - WebUSB, naming vendor code 0x42 and landing page 1. GET_URL (wIndex 2)
//     returns the URL descriptor.
//   - Microsoft OS 2.0, naming vendor code 0x43. wIndex 7 returns a
//     descriptor set that loads WinUSB for the function and registers its
//     DeviceInterfaceGUIDs property.
//
// Builder assembles little-endian descriptor blocks into a fixed buffer.
package webusb
