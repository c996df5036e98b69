package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/term"

	"github.com/ardnew/tildabridge/gdb"
	"github.com/ardnew/tildabridge/pkg"
)

const consolePrompt = "(probe) "

var registerNames = []string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc", "xpsr",
}

type console struct {
	s   *Session
	out io.Writer

	readLine func() (string, error)

	// running leaves raw mode while the target runs so ^C raises SIGINT.
	running func() (restore func())
}

// Console hands the session to the operator. Input comes from in, one
// command per line; a terminal gets line editing. It returns on quit,
// detach, end of input, or when ctx ends. Continue runs until a breakpoint
// or ^C.
func (s *Session) Console(ctx context.Context, in io.Reader, out io.Writer) error {
	c := &console{s: s, out: out, running: func() func() { return func() {} }}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("console: %w", err)
		}
		defer term.Restore(fd, state)

		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{f, out}, consolePrompt)
		c.out = t
		c.readLine = t.ReadLine
		c.running = func() func() {
			term.Restore(fd, state)
			return func() { _, _ = term.MakeRaw(fd) }
		}
	} else {
		scanner := bufio.NewScanner(in)
		c.readLine = func() (string, error) {
			fmt.Fprint(out, consolePrompt)
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return "", err
				}
				return "", io.EOF
			}
			return scanner.Text(), nil
		}
	}

	c.printf("halted at %s\n", c.location(ctx))
	for ctx.Err() == nil {
		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("console: %w", err)
		}
		done, err := c.run(ctx, strings.Fields(line))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.printf("error: %v\n", err)
		}
		if done {
			return nil
		}
	}
	return ctx.Err()
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// run executes one command and reports whether the console should exit.
func (c *console) run(ctx context.Context, args []string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}
	pkg.LogDebug(pkg.ComponentProbe, "console command", "command", args[0])

	switch args[0] {
	case "stepi", "si":
		stop, err := c.s.Step(ctx)
		if err != nil {
			return false, err
		}
		c.report(ctx, stop)

	case "continue", "c":
		runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		restore := c.running()
		reply, err := c.s.Continue(runCtx)
		restore()
		stop()
		if err != nil {
			return false, err
		}
		c.report(ctx, reply)

	case "regs", "registers":
		regs, err := c.s.Registers(ctx)
		if err != nil {
			return false, err
		}
		c.printRegisters(regs)

	case "bt", "backtrace":
		frames, err := c.s.Backtrace(ctx)
		if err != nil {
			return false, err
		}
		for i, f := range frames {
			c.printf("#%-2d %s\n", i, f)
		}

	case "break", "b":
		if len(args) != 2 {
			return false, errors.New("usage: break <symbol>")
		}
		if err := c.s.Break(ctx, args[1]); err != nil {
			return false, err
		}
		c.printf("breakpoint on %s\n", args[1])

	case "delete", "d":
		if len(args) != 2 {
			return false, errors.New("usage: delete <symbol>")
		}
		return false, c.s.Delete(ctx, args[1])

	case "info":
		for _, b := range c.s.Breakpoints() {
			c.printf("breakpoint %s at 0x%08x\n", b.Symbol, b.Addr)
		}
		for _, p := range c.s.Pending() {
			c.printf("pending %s\n", p)
		}

	case "detach":
		return true, c.s.Detach(ctx)

	case "quit", "q":
		return true, nil

	case "help", "?":
		c.printf("stepi, continue, regs, bt, break <sym>, delete <sym>, info, detach, quit\n")

	default:
		return false, fmt.Errorf("unknown command %q", args[0])
	}
	return false, nil
}

func (c *console) report(ctx context.Context, stop gdb.StopReply) {
	if stop.Exited() {
		c.printf("%s\n", stop)
		return
	}
	c.printf("%s at %s\n", stop, c.location(ctx))
}

func (c *console) location(ctx context.Context) string {
	regs, err := c.s.Registers(ctx)
	if err != nil || len(regs) <= gdb.RegPC {
		return "unknown pc"
	}
	return c.s.Symbolize(regs[gdb.RegPC])
}

func (c *console) printRegisters(regs []uint32) {
	if !c.s.plan.PrettyPrint {
		parts := make([]string, 0, len(regs))
		for i, v := range regs {
			parts = append(parts, fmt.Sprintf("%s=0x%08x", registerName(i), v))
		}
		c.printf("%s\n", strings.Join(parts, " "))
		return
	}
	for i, v := range regs {
		c.printf("%-5s 0x%08x", registerName(i), v)
		if i == gdb.RegPC || i == gdb.RegLR {
			c.printf("  %s", c.s.Symbolize(v&^1))
		}
		c.printf("\n")
	}
}

func registerName(i int) string {
	if i < len(registerNames) {
		return registerNames[i]
	}
	return fmt.Sprintf("r%d", i)
}
