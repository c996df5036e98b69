package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/ardnew/tildabridge/gdb"
	"github.com/ardnew/tildabridge/pkg"
	"github.com/ardnew/tildabridge/uart"
)

// Fallbacks when the probe publishes no memory map. They describe the
// smallest STM32F07x part: 2 KiB flash pages and 16 KiB of RAM.
const (
	DefaultBlockSize = 0x800
	DefaultRAMStart  = 0x20000000
	DefaultRAMSize   = 0x4000
)

// stackScanWords bounds how much stack a backtrace inspects.
const stackScanWords = 256

// Dialer opens the probe's GDB port.
type Dialer func(ctx context.Context, device string) (io.ReadWriteCloser, error)

// DialSerial opens a probe GDB port that enumerates as a serial device.
// The line rate is ignored by USB serial probes.
func DialSerial(ctx context.Context, device string) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := uart.Open(device, uart.DefaultRate)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Target is one core found by the wire-protocol scan.
type Target struct {
	Index    int
	Attached bool
	Driver   string
}

// Breakpoint is an installed hardware breakpoint.
type Breakpoint struct {
	Symbol string
	Addr   uint32
}

// Frame is one entry of a backtrace.
type Frame struct {
	Addr   uint32
	Symbol string // empty when the address is not in a known function
	Offset uint32
}

// Session is an attached, halted target.
type Session struct {
	client *gdb.Client
	plan   Plan
	image  *Image

	targets     []Target
	memory      gdb.MemoryMap
	breakpoints []Breakpoint
	pending     []string
	stop        gdb.StopReply
	steps       int
}

// Attach runs the debug attach sequence of plan against the probe and
// returns the halted session. Connect, scan, attach, load and the final step
// are fatal; power sensing and breakpoint installation only warn. Nothing is
// retried.
func Attach(ctx context.Context, plan Plan, image *Image, dial Dialer) (*Session, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if plan.Load && image == nil {
		return nil, fmt.Errorf("load requested without an image: %w", pkg.ErrImage)
	}
	if dial == nil {
		dial = DialSerial
	}

	// 1. Connect.
	conn, err := dial(ctx, plan.Device)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w: %w", plan.Device, pkg.ErrProbe, err)
	}
	s := &Session{client: gdb.NewClient(conn), plan: plan, image: image}
	if _, err := s.client.Supported(ctx); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("connect %s: %w", plan.Device, err)
	}
	pkg.LogInfo(pkg.ComponentProbe, "connected",
		"device", plan.Device,
		"packetSize", s.client.PacketSize())

	if err := s.bringUp(ctx); err != nil {
		s.client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) bringUp(ctx context.Context) error {
	// 2. Power sense.
	if s.plan.PowerSense {
		if _, err := s.client.Monitor(ctx, "tpwr enable"); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pkg.LogWarn(pkg.ComponentProbe, "target power sense unavailable",
				"error", err)
		}
	}

	// 3. Scan.
	out, err := s.client.Monitor(ctx, "swdp_scan")
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	s.targets = ParseTargets(out)
	if len(s.targets) == 0 {
		return fmt.Errorf("scan: %w: %s", pkg.ErrNoTarget, strings.TrimSpace(out))
	}
	pkg.LogInfo(pkg.ComponentProbe, "scan complete", "targets", len(s.targets))

	// 4. Attach.
	if s.plan.Target > len(s.targets) {
		return fmt.Errorf("attach %d of %d: %w", s.plan.Target, len(s.targets), pkg.ErrTargetIndex)
	}
	if s.stop, err = s.client.Attach(ctx, s.plan.Target); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentProbe, "attached",
		"target", s.plan.Target,
		"driver", s.targets[s.plan.Target-1].Driver)

	// 5 and 6 are session display settings held by the plan.
	pkg.LogDebug(pkg.ComponentProbe, "display settings",
		"demangle", s.plan.Demangle,
		"pretty", s.plan.PrettyPrint,
		"backtraceLimit", s.plan.BacktraceLimit)

	// 7. Fault breakpoints.
	for _, name := range s.plan.Breakpoints {
		if err := s.Break(ctx, name); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.pending = append(s.pending, name)
			pkg.LogWarn(pkg.ComponentProbe, "breakpoint pending",
				"symbol", name,
				"error", err)
		}
	}

	// 8. Load.
	if s.plan.Load {
		if err := s.load(ctx); err != nil {
			return fmt.Errorf("load: %w", err)
		}
	}

	// 9. One step to a known PC.
	for range s.plan.StepCount {
		if _, err := s.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

type eraseRange struct {
	start, end uint64
}

// eraseRanges returns the block-aligned flash ranges covering every
// segment, merged and in ascending order.
func eraseRanges(memory gdb.MemoryMap, segments []Segment) ([]eraseRange, error) {
	var ranges []eraseRange
	for _, seg := range segments {
		base, block := uint64(0), uint64(DefaultBlockSize)
		if len(memory.Regions) > 0 {
			region, ok := memory.Find(seg.Addr)
			if !ok || region.Type != gdb.RegionFlash || seg.End() > region.End() {
				return nil, fmt.Errorf("%w: segment 0x%08x-0x%08x is outside flash",
					pkg.ErrImage, seg.Addr, seg.End())
			}
			base = uint64(region.Start)
			if region.BlockSize != 0 {
				block = uint64(region.BlockSize)
			}
		}
		start := base + (uint64(seg.Addr)-base)/block*block
		end := base + (seg.End()-base+block-1)/block*block
		ranges = append(ranges, eraseRange{start: start, end: end})
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	merged := ranges[:0]
	for _, r := range ranges {
		if n := len(merged); n > 0 && r.start <= merged[n-1].end {
			merged[n-1].end = max(merged[n-1].end, r.end)
			continue
		}
		merged = append(merged, r)
	}
	return merged, nil
}

func (s *Session) load(ctx context.Context) error {
	memory, err := s.client.MemoryMap(ctx)
	switch {
	case err == nil:
		s.memory = memory
	case errors.Is(err, pkg.ErrNotSupported):
		pkg.LogWarn(pkg.ComponentProbe, "probe has no memory map, assuming default flash layout",
			"blockSize", DefaultBlockSize)
	default:
		return err
	}

	ranges, err := eraseRanges(s.memory, s.image.Segments)
	if err != nil {
		return err
	}
	for _, r := range ranges {
		if err := s.client.FlashErase(ctx, uint32(r.start), uint32(r.end-r.start)); err != nil {
			return err
		}
	}
	for _, seg := range s.image.Segments {
		if err := s.client.FlashWrite(ctx, seg.Addr, seg.Data); err != nil {
			return err
		}
	}
	if err := s.client.FlashDone(ctx); err != nil {
		return err
	}
	if err := s.client.WriteRegister(ctx, gdb.RegPC, s.image.Entry&^1); err != nil {
		return fmt.Errorf("set pc: %w", err)
	}

	pkg.LogInfo(pkg.ComponentProbe, "image loaded",
		"bytes", s.image.Size(),
		"segments", len(s.image.Segments),
		"entry", fmt.Sprintf("0x%08x", s.image.Entry))
	return nil
}

// ParseTargets extracts the numbered target lines of a scan report.
func ParseTargets(output string) []Target {
	var targets []Target
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		index, err := strconv.Atoi(fields[0])
		if err != nil || index < 1 {
			continue
		}
		t := Target{Index: index}
		rest := fields[1:]
		if rest[0] == "*" {
			t.Attached = true
			rest = rest[1:]
		}
		t.Driver = strings.Join(rest, " ")
		targets = append(targets, t)
	}
	return targets
}

// Plan returns the session's plan.
func (s *Session) Plan() Plan { return s.plan }

// Client returns the protocol client.
func (s *Session) Client() *gdb.Client { return s.client }

// Targets returns the scan result.
func (s *Session) Targets() []Target { return slices.Clone(s.targets) }

// Breakpoints returns the installed breakpoints.
func (s *Session) Breakpoints() []Breakpoint { return slices.Clone(s.breakpoints) }

// Pending returns breakpoints that could not be installed.
func (s *Session) Pending() []string { return slices.Clone(s.pending) }

// LastStop returns the most recent stop reply.
func (s *Session) LastStop() gdb.StopReply { return s.stop }

// Steps returns the number of single steps taken.
func (s *Session) Steps() int { return s.steps }

// Break installs a hardware breakpoint on a symbol.
func (s *Session) Break(ctx context.Context, name string) error {
	if s.image == nil {
		return fmt.Errorf("%s: %w", name, pkg.ErrSymbolNotFound)
	}
	sym, ok := s.image.Symbol(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, pkg.ErrSymbolNotFound)
	}
	if slices.ContainsFunc(s.breakpoints, func(b Breakpoint) bool { return b.Symbol == name }) {
		return nil
	}
	if err := s.client.InsertBreakpoint(ctx, gdb.HardwareBreakpoint, sym.Addr, gdb.ThumbKind); err != nil {
		return err
	}
	s.breakpoints = append(s.breakpoints, Breakpoint{Symbol: name, Addr: sym.Addr})
	s.pending = slices.DeleteFunc(s.pending, func(p string) bool { return p == name })
	pkg.LogDebug(pkg.ComponentProbe, "breakpoint installed",
		"symbol", name,
		"addr", fmt.Sprintf("0x%08x", sym.Addr))
	return nil
}

// Delete removes the breakpoint on a symbol.
func (s *Session) Delete(ctx context.Context, name string) error {
	i := slices.IndexFunc(s.breakpoints, func(b Breakpoint) bool { return b.Symbol == name })
	if i < 0 {
		return fmt.Errorf("no breakpoint on %s: %w", name, pkg.ErrInvalidParameter)
	}
	if err := s.client.RemoveBreakpoint(ctx, gdb.HardwareBreakpoint, s.breakpoints[i].Addr, gdb.ThumbKind); err != nil {
		return err
	}
	s.breakpoints = slices.Delete(s.breakpoints, i, i+1)
	return nil
}

// Step executes one instruction.
func (s *Session) Step(ctx context.Context) (gdb.StopReply, error) {
	stop, err := s.client.Step(ctx)
	if err != nil {
		return stop, err
	}
	s.steps++
	s.stop = stop
	return stop, nil
}

// Continue runs the target until it stops. Cancelling ctx halts it.
func (s *Session) Continue(ctx context.Context) (gdb.StopReply, error) {
	stop, err := s.client.Continue(ctx)
	if err != nil {
		return stop, err
	}
	s.stop = stop
	return stop, nil
}

// Registers returns the general registers.
func (s *Session) Registers(ctx context.Context) ([]uint32, error) {
	return s.client.ReadRegisters(ctx)
}

// Backtrace returns up to the plan's backtrace limit of frames: the PC, the
// link register, then return addresses found by scanning the stack.
func (s *Session) Backtrace(ctx context.Context) ([]Frame, error) {
	regs, err := s.client.ReadRegisters(ctx)
	if err != nil {
		return nil, err
	}
	if len(regs) <= gdb.RegPC {
		return nil, fmt.Errorf("backtrace: short register set: %w", pkg.ErrProtocol)
	}
	limit := s.plan.BacktraceLimit

	frames := []Frame{s.frame(regs[gdb.RegPC])}
	if lr := regs[gdb.RegLR]; len(frames) < limit && s.isReturnAddress(lr) {
		frames = append(frames, s.frame(lr&^1))
	}

	sp := regs[gdb.RegSP]
	n := min(stackScanWords*4, int(s.ramEnd(sp)-uint64(sp))) &^ 3
	if n <= 0 || len(frames) >= limit {
		return frames, nil
	}
	stack, err := s.client.ReadMemory(ctx, sp, n)
	if err != nil {
		if ctx.Err() != nil {
			return frames, ctx.Err()
		}
		pkg.LogDebug(pkg.ComponentProbe, "stack read stopped early", "error", err)
	}
	for i := 0; i+4 <= len(stack) && len(frames) < limit; i += 4 {
		if w := binary.LittleEndian.Uint32(stack[i:]); s.isReturnAddress(w) {
			frames = append(frames, s.frame(w&^1))
		}
	}
	return frames, nil
}

func (s *Session) isReturnAddress(w uint32) bool {
	return w&1 == 1 && s.image != nil && s.image.IsCode(w&^1)
}

// ramEnd returns the end of the RAM region holding sp.
func (s *Session) ramEnd(sp uint32) uint64 {
	if r, ok := s.memory.Find(sp); ok {
		return r.End()
	}
	fallback := gdb.MemoryRegion{Type: gdb.RegionRAM, Start: DefaultRAMStart, Length: DefaultRAMSize}
	if fallback.Contains(sp) {
		return fallback.End()
	}
	return uint64(sp)
}

func (s *Session) frame(addr uint32) Frame {
	f := Frame{Addr: addr}
	if s.image == nil {
		return f
	}
	if sym, off, ok := s.image.Nearest(addr); ok {
		f.Symbol = s.displayName(sym.Name)
		f.Offset = off
	}
	return f
}

func (s *Session) displayName(name string) string {
	if s.plan.Demangle {
		return demangle.Filter(name)
	}
	return name
}

// Symbolize formats addr as symbol+offset.
func (s *Session) Symbolize(addr uint32) string {
	return s.frame(addr).String()
}

func (f Frame) String() string {
	switch {
	case f.Symbol == "":
		return fmt.Sprintf("0x%08x", f.Addr)
	case f.Offset == 0:
		return fmt.Sprintf("0x%08x <%s>", f.Addr, f.Symbol)
	}
	return fmt.Sprintf("0x%08x <%s+%d>", f.Addr, f.Symbol, f.Offset)
}

// Detach lets the target run and closes the connection.
func (s *Session) Detach(ctx context.Context) error {
	err := s.client.Detach(ctx)
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection, leaving the target halted.
func (s *Session) Close() error { return s.client.Close() }
