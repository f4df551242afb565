package email

import (
	"encoding/base64"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type receivedMail struct {
	From string
	To   []string
	Data string
}

// fakeSMTP is a minimal plaintext SMTP server for transport tests
type fakeSMTP struct {
	ln net.Listener

	mu       sync.Mutex
	mails    []receivedMail
	users    []string
	sessions int
	quits    int
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeSMTP) Port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeSMTP) Mails() []receivedMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]receivedMail(nil), f.mails...)
}

func (f *fakeSMTP) counts() (sessions, quits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, f.quits
}

func (f *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)

	f.mu.Lock()
	f.sessions++
	f.mu.Unlock()

	tp.PrintfLine("220 fake ESMTP ready")
	var current receivedMail
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO":
			tp.PrintfLine("250-fake greets you")
			tp.PrintfLine("250 AUTH PLAIN")
		case "HELO":
			tp.PrintfLine("250 fake")
		case "AUTH":
			_, encoded, _ := strings.Cut(arg, " ")
			raw, _ := base64.StdEncoding.DecodeString(encoded)
			parts := strings.Split(string(raw), "\x00")
			if len(parts) != 3 || parts[2] == "bad" {
				tp.PrintfLine("535 5.7.8 Authentication credentials invalid")
				continue
			}
			f.mu.Lock()
			f.users = append(f.users, parts[1])
			f.mu.Unlock()
			tp.PrintfLine("235 2.7.0 Accepted")
		case "MAIL":
			current = receivedMail{From: angle(arg)}
			tp.PrintfLine("250 2.1.0 Ok")
		case "RCPT":
			addr := angle(arg)
			if strings.HasPrefix(addr, "reject") {
				tp.PrintfLine("550 5.1.1 <%s>: Recipient address rejected: User unknown", addr)
				continue
			}
			current.To = append(current.To, addr)
			tp.PrintfLine("250 2.1.5 Ok")
		case "DATA":
			tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			current.Data = string(data)
			f.mu.Lock()
			f.mails = append(f.mails, current)
			f.mu.Unlock()
			current = receivedMail{}
			tp.PrintfLine("250 2.0.0 Ok: queued")
		case "RSET":
			current = receivedMail{}
			tp.PrintfLine("250 2.0.0 Ok")
		case "NOOP":
			tp.PrintfLine("250 2.0.0 Ok")
		case "QUIT":
			f.mu.Lock()
			f.quits++
			f.mu.Unlock()
			tp.PrintfLine("221 2.0.0 Bye")
			return
		default:
			tp.PrintfLine("502 5.5.2 Error: command not recognized")
		}
	}
}

func angle(arg string) string {
	start := strings.Index(arg, "<")
	end := strings.Index(arg, ">")
	if start < 0 || end < start {
		return ""
	}
	return arg[start+1 : end]
}
