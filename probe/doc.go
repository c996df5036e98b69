// Package probe drives a Black Magic Probe over its GDB serial port to bring
// a bridge board up for debugging: power the target, scan the SWD bus,
// attach, arm the fault breakpoints, program the firmware image and take
// one instruction step. A Session then serves backtraces and an
// interactive console, and Script renders the same sequence as a GDB
// command file.
package probe
