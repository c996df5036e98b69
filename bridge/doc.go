// Package bridge is the USB to UART bridge of a TiLDA board.
//
// BuildDevice assembles the composite device: a CDC-ACM serial port on
// interfaces 0 and 1 and a WebUSB function on interfaces 2 and 3. A Bridge
// then services it on a device HAL:
//
//   - packets from either function are written to the UART in arrival
//     order, one function at a time;
//   - UART input is written to both functions while the device is
//     configured, and failed writes are counted and dropped;
//   - the activity LED is driven low while data moves;
//   - the ESP32 EN and GPIO0 straps follow the DTR and RTS lines of both
//     functions combined, see BootPins.
package bridge
