package uart

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/physic"

	"github.com/ardnew/tildabridge/pkg"
)

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
}

func baudConstant(rate physic.Frequency) (uint32, error) {
	if rate%physic.Hertz != 0 {
		return 0, fmt.Errorf("rate %s: %w", rate, pkg.ErrNotSupported)
	}
	b, ok := baudRates[Baud(rate)]
	if !ok {
		return 0, fmt.Errorf("rate %s: %w", rate, pkg.ErrNotSupported)
	}
	return b, nil
}

// openFile opens a tty without making it the controlling terminal. The
// descriptor stays non-blocking so Close interrupts a pending Read.
func openFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
}

// ioctl runs fn on the descriptor of file.
func ioctl(file *os.File, fn func(fd int) error) error {
	rc, err := file.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

func makeRaw(file *os.File, baud uint32) error {
	return ioctl(file, func(fd int) error {
		t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
		if err != nil {
			return err
		}
		t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
			unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
		t.Oflag &^= unix.OPOST
		t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
		t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
		t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | baud
		t.Ispeed = baud
		t.Ospeed = baud
		t.Cc[unix.VMIN] = 1
		t.Cc[unix.VTIME] = 0
		return unix.IoctlSetTermios(fd, unix.TCSETS, t)
	})
}

func setBreak(file *os.File, on bool) error {
	req := uint(unix.TIOCCBRK)
	if on {
		req = unix.TIOCSBRK
	}
	return ioctl(file, func(fd int) error { return unix.IoctlSetInt(fd, req, 0) })
}
