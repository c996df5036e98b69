// Package hal defines the interface between the device stack and a USB
// peripheral.
//
// The device stack owns all protocol logic. A [DeviceHAL] only moves SETUP
// packets, control data stages and endpoint packets, and reports bus events.
//
// Two implementations ship with the module:
//
//   - [github.com/ardnew/tildabridge/device/hal/fifo] exposes the device on a
//     named-pipe bus directory so a host-side process can enumerate it.
//   - [github.com/ardnew/tildabridge/device/hal/haltest] is an in-memory bus
//     with host-side helpers for tests.
package hal
