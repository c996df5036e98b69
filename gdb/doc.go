// Package gdb is a client for the GDB remote serial protocol as spoken by
// Black Magic Probe style debug adapters.
//
// Packets are framed as $payload#xx with a modulo-256 checksum and
// acknowledged with + or -. A rejected packet is retransmitted up to
// [MaxRetries] times. Binary payloads escape #, $, } and * as } followed by
// the byte XOR 0x20; replies may use * run-length encoding.
//
// Console output sent by the probe as O packets is gathered by
// [Client.Monitor] and forwarded to the writer set with [Client.SetConsole]
// while the target runs.
//
// Error replies surface as [*ReplyError]. An empty reply means the probe
// does not implement the request and is reported as pkg.ErrNotSupported.
//
// Example:
//
//	c := gdb.NewClient(port)
//	if _, err := c.Supported(ctx); err != nil {
//		return err
//	}
//	out, err := c.Monitor(ctx, "swdp_scan")
package gdb
