// Package cdc implements the CDC-ACM serial function of the bridge.
//
// A function spans two interfaces grouped by an interface association: a
// communications interface carrying the header, call management, ACM and
// union functional descriptors plus an interrupt notification endpoint, and
// a data interface with one bulk endpoint in each direction.
//
// The driver answers SET_LINE_CODING, GET_LINE_CODING,
// SET_CONTROL_LINE_STATE and SEND_BREAK. A bus reset restores 115200 8N1 and
// drops DTR and RTS.
//
//	acm := cdc.NewACM()
//	acm.ConfigureDevice(builder, 0x81, 0x82, 0x01)
//	dev, _ := builder.Build(ctx)
//	acm.AttachToInterfaces(dev, 1, 0, 1)
//	acm.SetStack(device.NewStack(dev, bus))
package cdc
