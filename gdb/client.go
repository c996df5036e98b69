package gdb

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ardnew/tildabridge/pkg"
)

// Client defaults.
const (
	// DefaultPacketSize is assumed until qSupported reports PacketSize.
	DefaultPacketSize = 0x400

	// MaxRetries bounds retransmissions of a rejected packet.
	MaxRetries = 3

	minPacketSize = 64

	// frameOverhead is $, #, and two checksum digits.
	frameOverhead = 4
)

// Cortex-M register numbers in the g packet.
const (
	RegSP   = 13
	RegLR   = 14
	RegPC   = 15
	RegXPSR = 16
)

// BreakpointType selects the Z packet variant.
type BreakpointType int

// Breakpoint and watchpoint types.
const (
	SoftwareBreakpoint BreakpointType = iota
	HardwareBreakpoint
	WriteWatchpoint
	ReadWatchpoint
	AccessWatchpoint
)

// ThumbKind is the breakpoint kind for 16-bit Thumb instructions.
const ThumbKind = 2

type deadliner interface {
	SetDeadline(t time.Time) error
}

// aLongTimeAgo is a deadline that has already passed.
var aLongTimeAgo = time.Unix(1, 0)

// Client speaks the GDB remote serial protocol to a debug probe.
//
// Requests are serialized; Interrupt may be called while Continue waits.
type Client struct {
	conn io.ReadWriter
	r    *bufio.Reader

	mutex      sync.Mutex
	writeMutex sync.Mutex

	packetSize int
	features   map[string]string
	console    io.Writer
}

// NewClient returns a client speaking over conn. If conn has a SetDeadline
// method, contexts passed to requests bound the I/O.
func NewClient(conn io.ReadWriter) *Client {
	return &Client{
		conn:       conn,
		r:          bufio.NewReader(conn),
		packetSize: DefaultPacketSize,
		features:   make(map[string]string),
		console:    io.Discard,
	}
}

// SetConsole directs console output received while the target runs to w.
func (c *Client) SetConsole(w io.Writer) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if w == nil {
		w = io.Discard
	}
	c.console = w
}

// PacketSize returns the largest packet the server accepts.
func (c *Client) PacketSize() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.packetSize
}

// Close closes the connection if it is closable.
func (c *Client) Close() error {
	if closer, ok := c.conn.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Client) writeRaw(data []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrProbe, err)
	}
	return nil
}

// watch applies ctx to the connection until the returned func is called.
func (c *Client) watch(ctx context.Context) func() {
	d, ok := c.conn.(deadliner)
	if !ok {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(aLongTimeAgo) })
	return func() {
		stop()
		_ = d.SetDeadline(time.Time{})
	}
}

// send transmits one packet and waits for its acknowledgement,
// retransmitting when the server rejects it.
func (c *Client) send(payload []byte) error {
	frame := AppendPacket(make([]byte, 0, len(payload)+frameOverhead), payload)
	for attempt := 0; ; attempt++ {
		if err := c.writeRaw(frame); err != nil {
			return err
		}
		b, err := c.readAck()
		if err != nil {
			return err
		}
		if b == ackByte {
			return nil
		}
		if attempt >= MaxRetries {
			return fmt.Errorf("packet %q rejected: %w", truncate(payload), pkg.ErrProtocol)
		}
		pkg.LogDebug(pkg.ComponentGDB, "packet rejected, retransmitting",
			"packet", truncate(payload),
			"attempt", attempt+1)
	}
}

func (c *Client) readAck() (byte, error) {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: %w", pkg.ErrProbe, err)
		}
		if b == ackByte || b == nakByte {
			return b, nil
		}
	}
}

// receive reads and acknowledges one packet, returning its payload with
// run-length encoding expanded.
func (c *Client) receive() ([]byte, error) {
	for attempt := 0; ; attempt++ {
		for {
			b, err := c.r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", pkg.ErrProbe, err)
			}
			if b == packetStart {
				break
			}
		}
		raw, err := c.r.ReadBytes(packetEnd)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pkg.ErrProbe, err)
		}
		raw = raw[:len(raw)-1]
		var sum [2]byte
		if _, err := io.ReadFull(c.r, sum[:]); err != nil {
			return nil, fmt.Errorf("%w: %w", pkg.ErrProbe, err)
		}

		want, err := strconv.ParseUint(string(sum[:]), 16, 8)
		if err == nil && uint8(want) == Checksum(raw) {
			if err := c.writeRaw([]byte{ackByte}); err != nil {
				return nil, err
			}
			return ExpandRunLength(make([]byte, 0, len(raw)), raw)
		}

		if attempt >= MaxRetries {
			return nil, fmt.Errorf("reply checksum: %w", pkg.ErrProtocol)
		}
		pkg.LogDebug(pkg.ComponentGDB, "bad reply checksum, requesting retransmit",
			"attempt", attempt+1)
		if err := c.writeRaw([]byte{nakByte}); err != nil {
			return nil, err
		}
	}
}

// reply reads packets until one that is not console output arrives.
// Console text goes to out.
func (c *Client) reply(out io.Writer) ([]byte, error) {
	for {
		p, err := c.receive()
		if err != nil {
			return nil, err
		}
		if text, ok := outputPayload(p); ok {
			_, _ = out.Write(text)
			continue
		}
		return p, nil
	}
}

// roundTrip sends payload and returns the reply. The caller holds c.mutex.
func (c *Client) roundTrip(ctx context.Context, payload []byte, out io.Writer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer c.watch(ctx)()

	err := c.send(payload)
	var reply []byte
	if err == nil {
		reply, err = c.reply(out)
	}
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return reply, err
}

func (c *Client) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.roundTrip(ctx, payload, c.console)
}

func (c *Client) command(ctx context.Context, payload []byte) error {
	reply, err := c.exchange(ctx, payload)
	if err != nil {
		return err
	}
	return checkOK(reply)
}

// Supported exchanges feature lists with the server and adopts its packet
// size. Features without a value map to "+", "-" or "?".
func (c *Client) Supported(ctx context.Context) (map[string]string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	reply, err := c.roundTrip(ctx, []byte("qSupported:swbreak+;hwbreak+"), c.console)
	if err != nil {
		return nil, fmt.Errorf("qSupported: %w", err)
	}
	if _, ok := parseReplyError(reply); ok {
		return nil, fmt.Errorf("qSupported: %w", replyError(reply))
	}

	features := make(map[string]string)
	for _, f := range strings.Split(string(reply), ";") {
		if f == "" {
			continue
		}
		if name, value, ok := strings.Cut(f, "="); ok {
			features[name] = value
			continue
		}
		switch f[len(f)-1] {
		case '+', '-', '?':
			features[f[:len(f)-1]] = f[len(f)-1:]
		default:
			features[f] = "+"
		}
	}
	if v, ok := features["PacketSize"]; ok {
		if n, err := strconv.ParseUint(v, 16, 32); err == nil && n >= minPacketSize {
			c.packetSize = int(n)
		}
	}
	c.features = features

	pkg.LogDebug(pkg.ComponentGDB, "server features",
		"packetSize", c.packetSize,
		"count", len(features))
	return maps.Clone(features), nil
}

// HasFeature reports whether the server announced name as supported.
func (c *Client) HasFeature(name string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	v, ok := c.features[name]
	return ok && v != "-"
}

// Monitor runs a probe monitor command and returns its console output.
func (c *Client) Monitor(ctx context.Context, command string) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	payload := append([]byte("qRcmd,"), hex.EncodeToString([]byte(command))...)
	var out strings.Builder
	reply, err := c.roundTrip(ctx, payload, &out)
	if err == nil {
		err = checkOK(reply)
	}
	if err != nil {
		return out.String(), fmt.Errorf("monitor %s: %w", command, err)
	}
	return out.String(), nil
}

// Attach attaches to a target by its index in the last scan.
func (c *Client) Attach(ctx context.Context, target int) (StopReply, error) {
	reply, err := c.exchange(ctx, fmt.Appendf(nil, "vAttach;%x", target))
	if err != nil {
		return StopReply{}, fmt.Errorf("attach %d: %w", target, err)
	}
	stop, perr := ParseStopReply(reply)
	if perr != nil {
		return StopReply{}, fmt.Errorf("attach %d: %w", target, replyError(reply))
	}
	return stop, nil
}

// InsertBreakpoint sets a breakpoint or watchpoint at addr.
func (c *Client) InsertBreakpoint(ctx context.Context, typ BreakpointType, addr uint32, kind int) error {
	if err := c.command(ctx, fmt.Appendf(nil, "Z%d,%x,%x", typ, addr, kind)); err != nil {
		return fmt.Errorf("insert breakpoint at 0x%08x: %w", addr, err)
	}
	return nil
}

// RemoveBreakpoint clears a breakpoint set by InsertBreakpoint.
func (c *Client) RemoveBreakpoint(ctx context.Context, typ BreakpointType, addr uint32, kind int) error {
	if err := c.command(ctx, fmt.Appendf(nil, "z%d,%x,%x", typ, addr, kind)); err != nil {
		return fmt.Errorf("remove breakpoint at 0x%08x: %w", addr, err)
	}
	return nil
}

// ReadRegisters returns the general registers in g packet order.
func (c *Client) ReadRegisters(ctx context.Context) ([]uint32, error) {
	reply, err := c.exchange(ctx, []byte("g"))
	if err != nil {
		return nil, fmt.Errorf("read registers: %w", err)
	}
	if _, ok := parseReplyError(reply); ok || len(reply) == 0 {
		return nil, fmt.Errorf("read registers: %w", replyError(reply))
	}
	data, err := hex.DecodeString(string(reply))
	if err != nil || len(data)%4 != 0 {
		return nil, fmt.Errorf("read registers: %w", pkg.ErrProtocol)
	}
	regs := make([]uint32, len(data)/4)
	for i := range regs {
		regs[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return regs, nil
}

// WriteRegister sets register n.
func (c *Client) WriteRegister(ctx context.Context, n int, value uint32) error {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], value)
	payload := fmt.Appendf(nil, "P%x=%s", n, hex.EncodeToString(le[:]))
	if err := c.command(ctx, payload); err != nil {
		return fmt.Errorf("write register %d: %w", n, err)
	}
	return nil
}

// ReadMemory reads length bytes at addr, split into packets that fit.
func (c *Client) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	chunk := max(1, (c.packetSize-frameOverhead)/2)
	out := make([]byte, 0, length)
	for len(out) < length {
		n := min(chunk, length-len(out))
		at := addr + uint32(len(out))
		reply, err := c.roundTrip(ctx, fmt.Appendf(nil, "m%x,%x", at, n), c.console)
		if err != nil {
			return out, fmt.Errorf("read memory at 0x%08x: %w", at, err)
		}
		if _, ok := parseReplyError(reply); ok || len(reply) == 0 {
			return out, fmt.Errorf("read memory at 0x%08x: %w", at, replyError(reply))
		}
		data, err := hex.DecodeString(string(reply))
		if err != nil || len(data) == 0 || len(data) > n {
			return out, fmt.Errorf("read memory at 0x%08x: %w", at, pkg.ErrProtocol)
		}
		out = append(out, data...)
	}
	return out, nil
}

// MemoryMap reads and parses the target memory map.
func (c *Client) MemoryMap(ctx context.Context) (MemoryMap, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	chunk := c.packetSize - frameOverhead - 1
	var doc []byte
	for {
		payload := fmt.Appendf(nil, "qXfer:memory-map:read::%x,%x", len(doc), chunk)
		reply, err := c.roundTrip(ctx, payload, c.console)
		if err != nil {
			return MemoryMap{}, fmt.Errorf("memory map: %w", err)
		}
		if len(reply) == 0 || (reply[0] != 'm' && reply[0] != 'l') {
			return MemoryMap{}, fmt.Errorf("memory map: %w", replyError(reply))
		}
		if doc, err = Unescape(doc, reply[1:]); err != nil {
			return MemoryMap{}, fmt.Errorf("memory map: %w", err)
		}
		if reply[0] == 'l' {
			break
		}
		if len(reply) == 1 {
			return MemoryMap{}, fmt.Errorf("memory map: empty partial reply: %w", pkg.ErrProtocol)
		}
	}
	return ParseMemoryMap(doc)
}

// FlashErase erases the flash blocks covering [addr, addr+length).
func (c *Client) FlashErase(ctx context.Context, addr, length uint32) error {
	if err := c.command(ctx, fmt.Appendf(nil, "vFlashErase:%x,%x", addr, length)); err != nil {
		return fmt.Errorf("flash erase at 0x%08x: %w", addr, err)
	}
	return nil
}

// FlashWrite programs data at addr, split into packets that fit.
// Erased blocks must be written in ascending order before FlashDone.
func (c *Client) FlashWrite(ctx context.Context, addr uint32, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for len(data) > 0 {
		payload := fmt.Appendf(nil, "vFlashWrite:%x:", addr)
		room := c.packetSize - frameOverhead - len(payload)
		n := 0
		for n < len(data) {
			size := 1
			if needsEscape(data[n]) {
				size = 2
			}
			if room < size {
				break
			}
			room -= size
			n++
		}
		if n == 0 {
			return fmt.Errorf("flash write at 0x%08x: %w", addr, pkg.ErrBufferTooSmall)
		}
		payload = Escape(payload, data[:n])

		reply, err := c.roundTrip(ctx, payload, c.console)
		if err == nil {
			err = checkOK(reply)
		}
		if err != nil {
			return fmt.Errorf("flash write at 0x%08x: %w", addr, err)
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

// FlashDone commits buffered flash writes.
func (c *Client) FlashDone(ctx context.Context) error {
	if err := c.command(ctx, []byte("vFlashDone")); err != nil {
		return fmt.Errorf("flash done: %w", err)
	}
	return nil
}

// Step executes one instruction.
func (c *Client) Step(ctx context.Context) (StopReply, error) {
	reply, err := c.exchange(ctx, []byte("s"))
	if err != nil {
		return StopReply{}, fmt.Errorf("step: %w", err)
	}
	stop, perr := ParseStopReply(reply)
	if perr != nil {
		return StopReply{}, fmt.Errorf("step: %w", replyError(reply))
	}
	return stop, nil
}

// Continue resumes the target and waits for it to stop. Cancelling ctx
// interrupts the target; Continue still returns the resulting stop.
func (c *Client) Continue(ctx context.Context) (StopReply, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return StopReply{}, err
	}
	stopSend := c.watch(ctx)
	err := c.send([]byte("c"))
	stopSend()
	if err != nil {
		return StopReply{}, fmt.Errorf("continue: %w", err)
	}

	interrupt := context.AfterFunc(ctx, func() {
		if err := c.writeRaw([]byte{interruptByte}); err != nil {
			pkg.LogWarn(pkg.ComponentGDB, "interrupt failed", "error", err)
		}
	})
	defer interrupt()

	reply, err := c.reply(c.console)
	if err != nil {
		return StopReply{}, fmt.Errorf("continue: %w", err)
	}
	stop, perr := ParseStopReply(reply)
	if perr != nil {
		return StopReply{}, fmt.Errorf("continue: %w", replyError(reply))
	}
	return stop, nil
}

// Interrupt asks a running target to halt. The stop is reported to the
// pending Continue.
func (c *Client) Interrupt() error {
	return c.writeRaw([]byte{interruptByte})
}

// Detach releases the target and lets it run.
func (c *Client) Detach(ctx context.Context) error {
	if err := c.command(ctx, []byte("D")); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	return nil
}
