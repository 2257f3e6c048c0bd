package scd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironcard/assuan"
	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/internal/util"
	"github.com/jmcleod/ironcard/pincache"
)

const testSerial = "D2760001240102000005000012340000"

// fakeDaemon is an in-process stand-in for the card daemon. Every launch
// yields a fakeProc whose connections are served by assuan.Server.
type fakeDaemon struct {
	socketName string
	pinpad     bool
	pinPut     string

	mu        sync.Mutex
	launches  int
	dials     int
	restarts  int
	argv      string
	lastPIN   string
	lastCmd   string
	keydata   []byte
	setdata   map[*assuan.ServerConn][]byte
	setLines  int
	current   *fakeProc
	srvConns  []net.Conn
	unblock   chan struct{}
	slowStart chan struct{}
}

type fakeProc struct {
	pid  int
	conn net.Conn
	exit chan struct{}
	once sync.Once
}

func (p *fakeProc) Conn() io.ReadWriteCloser { return p.conn }
func (p *fakeProc) Pid() int                 { return p.pid }
func (p *fakeProc) Wait() error              { <-p.exit; return nil }
func (p *fakeProc) Kill() error              { p.terminate(); return nil }
func (p *fakeProc) terminate()               { p.once.Do(func() { close(p.exit) }) }

func newFakeDaemon(t *testing.T) *fakeDaemon {
	d := &fakeDaemon{
		setdata:   make(map[*assuan.ServerConn][]byte),
		unblock:   make(chan struct{}),
		slowStart: make(chan struct{}, 16),
	}
	t.Cleanup(func() {
		close(d.unblock)
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, c := range d.srvConns {
			c.Close()
		}
		if d.current != nil {
			d.current.terminate()
		}
	})
	return d
}

// newSupervisor returns a Supervisor wired to d.
func (d *fakeDaemon) newSupervisor(opts ...Option) *Supervisor {
	base := []Option{
		WithLauncher(LaunchFunc(d.launch)),
		WithDialer(DialFunc(d.dial)),
		WithProgram("fake-scdaemon"),
	}
	return New(append(base, opts...)...)
}

func (d *fakeDaemon) proc() *fakeProc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *fakeDaemon) counts() (launches, dials int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches, d.dials
}

func (d *fakeDaemon) launch(ctx context.Context, program string, args []string) (Process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	client, server := net.Pipe()
	p := &fakeProc{pid: 1000 + d.launches, conn: client, exit: make(chan struct{})}
	d.current = p
	d.argv = program + " " + strings.Join(args, " ")
	d.serveLocked(p, server)
	return p, nil
}

func (d *fakeDaemon) dial(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if address != d.socketName {
		return nil, fmt.Errorf("dial %s: no such socket", address)
	}
	p := d.current
	if p == nil {
		return nil, errors.New("daemon not running")
	}
	select {
	case <-p.exit:
		return nil, errors.New("daemon not running")
	default:
	}
	d.dials++
	client, server := net.Pipe()
	d.serveLocked(p, server)
	return client, nil
}

func (d *fakeDaemon) serveLocked(p *fakeProc, conn net.Conn) {
	d.srvConns = append(d.srvConns, conn)
	srv := d.newServer(p)
	go func() { _ = srv.Serve(context.Background(), conn) }()
}

func (d *fakeDaemon) newServer(p *fakeProc) *assuan.Server {
	srv := assuan.NewServer(assuan.WithGreeting("fake scdaemon ready"))

	srv.Handle("GETINFO", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		switch args {
		case "socket_name":
			if d.socketName == "" {
				return errcode.ErrNoData
			}
			return conn.SendData([]byte(d.socketName))
		case "card_list":
			for _, s := range []string{testSerial, "FF0100"} {
				if err := conn.WriteStatus("SERIALNO", s); err != nil {
					return err
				}
			}
			return nil
		}
		return errcode.ErrNotSupported
	})
	srv.Handle("SERIALNO", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		if d.pinPut != "" {
			if err := conn.WriteStatus("PINCACHE_PUT", d.pinPut); err != nil {
				return err
			}
		}
		return conn.WriteStatus("SERIALNO", testSerial+" 0")
	})
	srv.Handle("RESTART", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		d.mu.Lock()
		d.restarts++
		d.mu.Unlock()
		return nil
	})
	srv.Handle("KILLSCD", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		p.terminate()
		return nil
	})
	srv.Handle("SLOW", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		d.slowStart <- struct{}{}
		<-d.unblock
		return nil
	})
	srv.Handle("SETDATA", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		appending := strings.HasPrefix(args, "--append ")
		raw, err := util.HexDecode(strings.TrimPrefix(args, "--append "))
		if err != nil {
			return errcode.ErrInvalidValue
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		d.setLines++
		if appending {
			d.setdata[conn] = append(d.setdata[conn], raw...)
		} else {
			d.setdata[conn] = raw
		}
		return nil
	})
	sign := func(verb string) assuan.CommandFunc {
		return func(ctx context.Context, conn *assuan.ServerConn, args string) error {
			if err := d.askPIN(ctx, conn); err != nil {
				return err
			}
			d.mu.Lock()
			data := d.setdata[conn]
			d.mu.Unlock()
			return conn.SendData([]byte(fmt.Sprintf("%s(%s):%x", verb, args, data)))
		}
	}
	srv.Handle("PKSIGN", sign("PKSIGN"))
	srv.Handle("PKAUTH", sign("PKAUTH"))
	srv.Handle("PKDECRYPT", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		if err := d.askPIN(ctx, conn); err != nil {
			return err
		}
		if err := conn.WriteStatus("PADDING", "1"); err != nil {
			return err
		}
		d.mu.Lock()
		data := d.setdata[conn]
		d.mu.Unlock()
		return conn.SendData(data)
	})
	srv.Handle("READCERT", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		if args != "OPENPGP.3" {
			return errcode.New(errcode.CodeNotFound, "no such certificate")
		}
		return conn.SendData([]byte("0\x82cert-der"))
	})
	srv.Handle("READKEY", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		if args == "broken" {
			return conn.SendData([]byte("(10:public-key"))
		}
		return conn.SendData([]byte("(10:public-key(3:rsa(1:n3:abc)(1:e1:\x03)))"))
	})
	srv.Handle("WRITEKEY", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		if err := d.askPIN(ctx, conn); err != nil {
			return err
		}
		key, err := conn.Inquire(ctx, "KEYDATA", 0)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.keydata = key
		d.lastCmd = "WRITEKEY " + args
		d.mu.Unlock()
		return nil
	})
	srv.Handle("GETATTR", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		if args != "DISP-NAME" {
			return nil
		}
		if err := conn.WriteStatus("DISP-NAME", "Doe<<John+%2B1"); err != nil {
			return err
		}
		return conn.WriteStatus("DISP-NAME", "second")
	})
	srv.Handle("KEYINFO", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		lines := []string{
			strings.Repeat("AB", 20) + " T " + testSerial + " OPENPGP.1",
			strings.Repeat("CD", 20) + " T " + testSerial + " OPENPGP.2",
		}
		if args == "broken" {
			lines = []string{strings.Repeat("AB", 19) + " T 00 OPENPGP.1"}
		}
		for _, l := range lines {
			if err := conn.WriteStatus("KEYINFO", l); err != nil {
				return err
			}
		}
		return nil
	})
	srv.Handle("LEARN", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		for _, kv := range [][2]string{
			{"SERIALNO", testSerial},
			{"KEYPAIRINFO", strings.Repeat("AB", 20) + " OPENPGP.1"},
			{"CERTINFO", "101 OPENPGP.3"},
			{"EXTCAP", ""},
			{"DISP-NAME", "Doe<<John"},
		} {
			if err := conn.WriteStatus(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
	srv.Handle("ASKODD", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		_, err := conn.Inquire(ctx, "ODDITY", 0)
		return err
	})
	srv.Handle("PROBECACHE", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		_, err := conn.Inquire(ctx, "PINCACHE_GET openpgp/"+testSerial+"/OPENPGP.1", 0)
		return err
	})
	srv.Handle("PASSTHRU", func(ctx context.Context, conn *assuan.ServerConn, args string) error {
		if d.pinPut != "" {
			if err := conn.WriteStatus("PINCACHE_PUT", d.pinPut); err != nil {
				return err
			}
		}
		if err := conn.WriteStatus("PROGRESS", "card 50"); err != nil {
			return err
		}
		if err := conn.WriteComment("reader ready"); err != nil {
			return err
		}
		custom, err := conn.Inquire(ctx, "CUSTOM question", 0)
		if err != nil {
			return err
		}
		key, err := conn.Inquire(ctx, "KEYDATA", 0)
		if err != nil {
			return err
		}
		return conn.SendData(append(append(custom, '|'), key...))
	})
	return srv
}

// askPIN runs the PIN dialogue: a NEEDPIN inquiry, or a pinpad prompt pair
// when d.pinpad is set.
func (d *fakeDaemon) askPIN(ctx context.Context, conn *assuan.ServerConn) error {
	if d.pinpad {
		if _, err := conn.Inquire(ctx, "POPUPPINPADPROMPT ||Please use the pinpad", 0); err != nil {
			return err
		}
		_, err := conn.Inquire(ctx, "DISMISSPINPADPROMPT", 0)
		return err
	}
	pin, err := conn.Inquire(ctx, "NEEDPIN ||Please enter the PIN", MaxPINLen)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.lastPIN = string(pin)
	d.mu.Unlock()
	return nil
}

// wrappedPIN returns the hex cryptogram a daemon sends for pin.
func wrappedPIN(t *testing.T, pin string) string {
	t.Helper()
	padded := make([]byte, 16)
	copy(padded, pin)
	wrapped, err := util.WrapAESKW(pincache.TransportKey, padded)
	require.NoError(t, err)
	return util.HexEncodeUpper(wrapped)
}

// staticPIN answers every NEEDPIN with pin.
func staticPIN(pin string) PinPrompter {
	return PromptFunc(func(ctx context.Context, req PINRequest) error {
		if req.Buf == nil {
			return nil
		}
		copy(req.Buf.Bytes(), pin)
		return nil
	})
}

// fakeUpstream records what a passthrough command relays.
type fakeUpstream struct {
	mu                 sync.Mutex
	confidential       bool
	statuses           []string
	comments           []string
	data               []byte
	inquiries          []string
	confidentialDuring map[string]bool
}

func (u *fakeUpstream) Inquire(ctx context.Context, line string, maxLen int) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inquiries = append(u.inquiries, line)
	if u.confidentialDuring == nil {
		u.confidentialDuring = make(map[string]bool)
	}
	u.confidentialDuring[line] = u.confidential
	if strings.HasPrefix(line, "KEYDATA") {
		return []byte("secret-key"), nil
	}
	return []byte("answer"), nil
}

func (u *fakeUpstream) SetConfidential(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.confidential = v
}

func (u *fakeUpstream) Confidential() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.confidential
}

func (u *fakeUpstream) WriteStatus(keyword, args string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statuses = append(u.statuses, keyword+" "+args)
	return nil
}

func (u *fakeUpstream) SendData(p []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.data = append(u.data, p...)
	return nil
}

func (u *fakeUpstream) WriteComment(text string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.comments = append(u.comments, text)
	return nil
}
