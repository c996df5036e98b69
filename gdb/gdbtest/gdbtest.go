// Package gdbtest provides a scripted GDB remote protocol server on an
// in-memory connection.
package gdbtest

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Interrupt is the packet string a handler sees for a ^C break request.
const Interrupt = "\x03"

// Handler answers one packet. Each returned string is sent as a separate
// reply packet, verbatim. Returning nil sends nothing.
type Handler func(packet string) []string

// Server answers packets from a client on the other end of a pipe.
type Server struct {
	conn    net.Conn
	r       *bufio.Reader
	handler Handler

	out  chan []byte
	done chan struct{}

	mutex    sync.Mutex
	packets  []string
	reject   int
	corrupt  int
	lastSent []byte
}

// New starts a server and returns it with the client end of the pipe.
func New(handler Handler) (*Server, net.Conn) {
	server, client := net.Pipe()
	s := &Server{
		conn:    server,
		r:       bufio.NewReader(server),
		handler: handler,
		out:     make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s, client
}

// Close shuts the server side of the pipe.
func (s *Server) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

// Packets returns every packet received so far, in order.
func (s *Server) Packets() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.packets...)
}

// RejectNext makes the server nak the next n client packets.
func (s *Server) RejectNext(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.reject = n
}

// CorruptNext makes the server send the next n replies with a bad checksum.
func (s *Server) CorruptNext(n int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.corrupt = n
}

func (s *Server) writeLoop() {
	for data := range s.out {
		if _, err := s.conn.Write(data); err != nil {
			return
		}
	}
}

func (s *Server) readLoop() {
	defer close(s.done)
	defer close(s.out)
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case '+':
		case '-':
			s.mutex.Lock()
			last := s.lastSent
			s.mutex.Unlock()
			if last != nil {
				s.sendFrame(last)
			}
		case 0x03:
			s.answer(Interrupt)
		case '$':
			payload, err := s.r.ReadBytes('#')
			if err != nil {
				return
			}
			payload = payload[:len(payload)-1]
			var sum [2]byte
			if _, err := s.r.Read(sum[:1]); err != nil {
				return
			}
			if _, err := s.r.Read(sum[1:]); err != nil {
				return
			}
			want, err := strconv.ParseUint(string(sum[:]), 16, 8)
			if err != nil || uint8(want) != checksum(payload) || s.takeReject() {
				s.out <- []byte{'-'}
				continue
			}
			s.out <- []byte{'+'}
			s.mutex.Lock()
			s.packets = append(s.packets, string(payload))
			s.mutex.Unlock()
			s.answer(string(payload))
		}
	}
}

func (s *Server) takeReject() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.reject > 0 {
		s.reject--
		return true
	}
	return false
}

func (s *Server) answer(packet string) {
	for _, reply := range s.handler(packet) {
		frame := Frame(reply)
		s.mutex.Lock()
		s.lastSent = frame
		s.mutex.Unlock()
		s.sendFrame(frame)
	}
}

func (s *Server) sendFrame(frame []byte) {
	s.mutex.Lock()
	if s.corrupt > 0 {
		s.corrupt--
		bad := append([]byte(nil), frame...)
		bad[len(bad)-1] ^= 0x01
		frame = bad
	}
	s.mutex.Unlock()
	s.out <- frame
}

// Frame wraps payload as $payload#xx.
func Frame(payload string) []byte {
	return fmt.Appendf(nil, "$%s#%02x", payload, checksum([]byte(payload)))
}

// Hex returns s hex-encoded, as carried by qRcmd and O packets.
func Hex(s string) string {
	return fmt.Sprintf("%x", s)
}

func checksum(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum += c
	}
	return sum
}
