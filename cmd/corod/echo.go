//go:build linux

package main

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	cororunner "github.com/Swind/go-coro-runner"
	"github.com/Swind/go-coro-runner/core"
	"github.com/Swind/go-coro-runner/reactor"
)

// EchoCommand returns the echo CLI command.
func EchoCommand() *cli.Command {
	return &cli.Command{
		Name:  "echo",
		Usage: "Run a TCP echo server",
		Description: `Accepts connections on --listen and echoes every byte back. The
acceptor and each connection are coroutines; a connection that arrives
while every slot is taken is closed immediately.

Example:
  corod echo --listen 127.0.0.1:7000 --max-tasks 1024`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Address to listen on",
				Value:   "127.0.0.1:7000",
			},
			&cli.IntFlag{
				Name:  "buffer",
				Usage: "Per-connection read buffer size",
				Value: 4096,
			},
		}, schedulerFlags(256)...),
		Action: runEcho,
	}
}

func runEcho(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	o, err := startObserver(c.Context, c.String("metrics-addr"), log)
	if err != nil {
		return err
	}
	defer o.Close()

	opts, err := schedulerOptions(c, "echo", log, o)
	if err != nil {
		return err
	}
	s, err := cororunner.New(opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	srv, err := listenTCP(c.String("listen"), c.Int("buffer"), log.WithField("scheduler", s.Name()))
	if err != nil {
		return err
	}
	defer srv.Close()

	if _, err := s.SpawnNamed("acceptor", core.Typed(acceptLoop), srv); err != nil {
		return err
	}
	log.WithField("addr", srv.Addr()).WithField("backend", s.Backend()).Info("echo server listening")

	err = s.Loop(c.Context)
	log.WithField("accepted", srv.accepted).WithField("dropped", srv.dropped).WithField("closed", srv.closed).Info("echo server stopped")
	if interrupted(err) {
		return nil
	}
	return err
}

// echoServer is shared by the acceptor and every connection. It is only
// touched from the loop goroutine.
type echoServer struct {
	fd      int
	bufSize int
	log     logrus.FieldLogger

	accepted int
	dropped  int
	closed   int
	echoed   int
}

type echoConn struct {
	fd      int
	buf     []byte
	pending []byte
	srv     *echoServer
}

func listenTCP(addr string, bufSize int, log logrus.FieldLogger) (*echoServer, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	family, sa := unix.AF_INET, unix.Sockaddr(nil)
	if ip4 := tcp.IP.To4(); ip4 != nil || tcp.IP == nil {
		in4 := &unix.SockaddrInet4{Port: tcp.Port}
		copy(in4.Addr[:], ip4)
		sa = in4
	} else {
		family = unix.AF_INET6
		in6 := &unix.SockaddrInet6{Port: tcp.Port}
		copy(in6.Addr[:], tcp.IP.To16())
		sa = in6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &echoServer{fd: fd, bufSize: bufSize, log: log}, nil
}

// Addr returns the bound address.
func (srv *echoServer) Addr() string {
	sa, err := unix.Getsockname(srv.fd)
	if err != nil {
		return ""
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return (&net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}).String()
	case *unix.SockaddrInet6:
		return (&net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}).String()
	}
	return ""
}

// Close closes the listener. Each connection closes its own socket in its
// task's cleanup pass; sockets of tasks killed at shutdown go with the process.
func (srv *echoServer) Close() error {
	return unix.Close(srv.fd)
}

func acceptLoop(t *core.Task, srv *echoServer) core.Result {
	switch t.Point() {
	case 0:
		return t.WaitFD(1, srv.fd, reactor.EventIn)
	case 1:
		if err := t.IOError(); err != nil {
			return t.Fail(fmt.Errorf("wait for listener: %w", err))
		}
		fd, _, err := unix.Accept4(srv.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case reactor.MustWait(err):
			return t.WaitFD(1, srv.fd, reactor.EventIn)
		case errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EINTR):
			return t.Yield(1)
		case err != nil:
			return t.Fail(fmt.Errorf("accept: %w", err))
		}

		c := &echoConn{fd: fd, buf: make([]byte, srv.bufSize), srv: srv}
		if _, err := t.Scheduler().SpawnNamed("conn", core.Typed(serveConn), c); err != nil {
			_ = unix.Close(fd)
			srv.dropped++
			srv.log.WithError(err).Warn("connection dropped")
			return t.Yield(1)
		}
		srv.accepted++
		// One accept per pass keeps established connections moving.
		return t.Yield(1)
	}
	return t.Return()
}

func serveConn(t *core.Task, c *echoConn) core.Result {
	switch t.Point() {
	case 0:
		t.Finally()
		return t.Submit(1, reactor.Read(c.fd, c.buf))
	case 1:
		res := t.IOResult()
		switch {
		case reactor.MustWaitResult(res):
			return t.WaitFD(0, c.fd, reactor.EventIn)
		case res < 0:
			return t.Throw(int(-res))
		case res == 0:
			return t.Return()
		}
		c.pending = c.buf[:res]
		return t.Await(2, core.Typed(writeAll), c)
	case 2:
		if t.IsError(int(unix.EPIPE)) || t.IsError(int(unix.ECONNRESET)) {
			t.ClearError()
			return t.Return()
		}
		if t.HasError() {
			return t.Rethrow()
		}
		return t.Submit(1, reactor.Read(c.fd, c.buf))
	case core.PointFinally:
		c.close()
	}
	return t.Return()
}

// writeAll writes c.pending, waiting for the socket to drain when needed.
func writeAll(t *core.Task, c *echoConn) core.Result {
	switch t.Point() {
	case 0:
		return t.Submit(1, reactor.Write(c.fd, c.pending))
	case 1:
		res := t.IOResult()
		if reactor.MustWaitResult(res) {
			return t.WaitFD(0, c.fd, reactor.EventOut)
		}
		if res < 0 {
			return t.Throw(int(-res))
		}
		c.pending = c.pending[res:]
		c.srv.echoed += int(res)
		if len(c.pending) > 0 {
			return t.Submit(1, reactor.Write(c.fd, c.pending))
		}
	}
	return t.Return()
}

func (c *echoConn) close() {
	if c.fd < 0 {
		return
	}
	if err := unix.Close(c.fd); err != nil {
		c.srv.log.WithError(err).WithField("fd", c.fd).Warn("close connection")
	}
	c.fd = -1
	c.srv.closed++
}
