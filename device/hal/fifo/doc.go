// Package fifo runs the device stack on a bus made of named pipes.
//
// The bridge uses it when no USB peripheral is available: a host-side
// process enumerates the device by writing framed messages to the pipes.
//
// Each HAL creates its own directory under the bus directory:
//
//	<bus>/device-<uuid>/
//	    connection       0x01 on Start, 0x00 on Stop (device to host)
//	    host_to_device   SETUP, reset and address messages
//	    device_to_host   DATA, ACK and STALL responses
//	    epN_in, epN_out  data endpoints 1 to 15
//
// Every message is [type, len_lo, len_hi, payload...]. A SETUP payload is
// [address, setup(8), out data...]; the OUT data is handed to the stack by
// the following ReadEP0 call.
package fifo
