package delivery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/classify"
	"github.com/ultrazend/ultrazend/internal/dnsx"
)

// fakeMX is a scriptable SMTP server. Each accepted connection consumes
// the next script entry; an empty rcptReply accepts everything.
type fakeMX struct {
	ln      net.Listener
	mu      sync.Mutex
	scripts []fakeScript
	conns   int
	gotData []string
	gotFrom []string
}

type fakeScript struct {
	rcptReply string // e.g. "550 5.1.1 no such user"; "" accepts
	dataReply string // reply after message body; "" = "250 2.0.0 queued"
}

func newFakeMX(t *testing.T, scripts ...fakeScript) *fakeMX {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeMX{ln: ln, scripts: scripts}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeMX) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeMX) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns
}

func (f *fakeMX) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.gotData...)
}

func (f *fakeMX) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		var script fakeScript
		if f.conns < len(f.scripts) {
			script = f.scripts[f.conns]
		}
		f.conns++
		f.mu.Unlock()
		go f.handle(conn, script)
	}
}

func (f *fakeMX) handle(conn net.Conn, script fakeScript) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 fake.mx ESMTP\r\n")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(verb, "EHLO"), strings.HasPrefix(verb, "HELO"):
			fmt.Fprintf(conn, "250-fake.mx\r\n250-SIZE 26214400\r\n250 PIPELINING\r\n")
		case strings.HasPrefix(verb, "MAIL"):
			f.mu.Lock()
			f.gotFrom = append(f.gotFrom, strings.TrimSpace(line))
			f.mu.Unlock()
			fmt.Fprintf(conn, "250 2.1.0 OK\r\n")
		case strings.HasPrefix(verb, "RCPT"):
			if script.rcptReply != "" {
				fmt.Fprintf(conn, "%s\r\n", script.rcptReply)
			} else {
				fmt.Fprintf(conn, "250 2.1.5 OK\r\n")
			}
		case strings.HasPrefix(verb, "DATA"):
			fmt.Fprintf(conn, "354 go ahead\r\n")
			var body strings.Builder
			for {
				dl, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if dl == ".\r\n" {
					break
				}
				body.WriteString(dl)
			}
			f.mu.Lock()
			f.gotData = append(f.gotData, body.String())
			f.mu.Unlock()
			if script.dataReply != "" {
				fmt.Fprintf(conn, "%s\r\n", script.dataReply)
			} else {
				fmt.Fprintf(conn, "250 2.0.0 queued\r\n")
			}
		case strings.HasPrefix(verb, "QUIT"):
			fmt.Fprintf(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "500 unknown\r\n")
		}
	}
}

// fakeResolver maps every recipient domain to the fake server.
type fakeResolver struct {
	mxHosts []string // MX host names, all resolving to 127.0.0.1
}

func (r *fakeResolver) LookupMX(_ context.Context, _ string) ([]*net.MX, error) {
	if len(r.mxHosts) == 0 {
		return nil, dnsx.ErrNoRecords
	}
	var out []*net.MX
	for i, h := range r.mxHosts {
		out = append(out, &net.MX{Host: h, Pref: uint16(10 * (i + 1))})
	}
	return out, nil
}

func (r *fakeResolver) LookupTXT(_ context.Context, _ string) ([]string, error) {
	return nil, dnsx.ErrNoRecords
}

func (r *fakeResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	return []string{"127.0.0.1"}, nil
}

func testTransport(port int, resolver dnsx.Resolver) *Transport {
	return NewTransport(Config{
		Hostname:       "mail.ultrazend.example",
		Port:           port,
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 5 * time.Second,
		PerDomain:      4,
	}, resolver)
}

func TestDeliverSuccess(t *testing.T) {
	mx := newFakeMX(t, fakeScript{})
	tr := testTransport(mx.port(), &fakeResolver{mxHosts: []string{"mx1.example.com"}})

	raw := []byte("From: a@acme.example\r\nTo: b@example.com\r\nSubject: hi\r\n\r\nbody\r\n")
	attempt, err := tr.Deliver(context.Background(), "a@acme.example",
		[]string{"b@example.com"}, "example.com", raw)
	require.NoError(t, err)

	assert.Equal(t, classify.Success, attempt.Result.Outcome)
	assert.Equal(t, 250, attempt.Code)
	assert.Equal(t, "mx1.example.com", attempt.MXHost)
	require.Len(t, mx.bodies(), 1)
	assert.Contains(t, mx.bodies()[0], "Subject: hi")
}

func TestDeliverPermanentRejectStopsWalk(t *testing.T) {
	mx := newFakeMX(t,
		fakeScript{rcptReply: "550 5.1.1 no such user"},
		fakeScript{}) // second MX would accept, but must not be tried
	tr := testTransport(mx.port(), &fakeResolver{mxHosts: []string{"mx1.example.com", "mx2.example.com"}})

	attempt, err := tr.Deliver(context.Background(), "a@acme.example",
		[]string{"nobody@example.com"}, "example.com", []byte("x\r\n"))
	require.NoError(t, err)

	assert.Equal(t, classify.Suppress, attempt.Result.Outcome)
	assert.True(t, attempt.Result.Suppress)
	assert.Equal(t, 550, attempt.Code)
	assert.Equal(t, 1, mx.connCount())
}

func TestDeliverTransientTriesNextMX(t *testing.T) {
	mx := newFakeMX(t,
		fakeScript{rcptReply: "451 4.3.0 try again later"},
		fakeScript{})
	tr := testTransport(mx.port(), &fakeResolver{mxHosts: []string{"mx1.example.com", "mx2.example.com"}})

	attempt, err := tr.Deliver(context.Background(), "a@acme.example",
		[]string{"b@example.com"}, "example.com", []byte("x\r\n"))
	require.NoError(t, err)

	assert.Equal(t, classify.Success, attempt.Result.Outcome)
	assert.Equal(t, "mx2.example.com", attempt.MXHost)
	assert.Equal(t, 2, mx.connCount())
}

func TestDeliverGreylist5xxTriesNextMX(t *testing.T) {
	mx := newFakeMX(t,
		fakeScript{rcptReply: "550 greylisted, try again"},
		fakeScript{})
	tr := testTransport(mx.port(), &fakeResolver{mxHosts: []string{"mx1.example.com", "mx2.example.com"}})

	attempt, err := tr.Deliver(context.Background(), "a@acme.example",
		[]string{"b@example.com"}, "example.com", []byte("x\r\n"))
	require.NoError(t, err)
	assert.Equal(t, classify.Success, attempt.Result.Outcome)
	assert.Equal(t, 2, mx.connCount())
}

func TestDeliverAllTransientReturnsLastAttempt(t *testing.T) {
	mx := newFakeMX(t,
		fakeScript{rcptReply: "451 busy"},
		fakeScript{rcptReply: "452 4.2.2 storage full"})
	tr := testTransport(mx.port(), &fakeResolver{mxHosts: []string{"mx1.example.com", "mx2.example.com"}})

	attempt, err := tr.Deliver(context.Background(), "a@acme.example",
		[]string{"b@example.com"}, "example.com", []byte("x\r\n"))
	require.NoError(t, err)

	assert.Equal(t, classify.Transient, attempt.Result.Outcome)
	assert.Equal(t, 452, attempt.Code)
}

func TestDeliverConnectionRefusedIsTransient(t *testing.T) {
	// A listener that is immediately closed yields a dead port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := testTransport(port, &fakeResolver{mxHosts: []string{"mx1.example.com"}})
	attempt, err := tr.Deliver(context.Background(), "a@acme.example",
		[]string{"b@example.com"}, "example.com", []byte("x\r\n"))
	require.NoError(t, err)
	assert.Equal(t, classify.Transient, attempt.Result.Outcome)
	assert.Equal(t, 421, attempt.Code)
}

func TestResolveTargetsFallsBackToARecord(t *testing.T) {
	targets, err := ResolveTargets(context.Background(), &fakeResolver{}, "Plain.Example.")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "plain.example", targets[0].Host)
	assert.Equal(t, "127.0.0.1", targets[0].Addr)
}

func TestResolveTargetsPreferenceOrder(t *testing.T) {
	res := &fakeResolver{mxHosts: []string{"mx1.example.com", "mx2.example.com"}}
	targets, err := ResolveTargets(context.Background(), res, "example.com")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	// Distinct preferences keep their order
	assert.Equal(t, "mx1.example.com", targets[0].Host)
	assert.Equal(t, "mx2.example.com", targets[1].Host)
}

func TestReplyOf(t *testing.T) {
	code, text := replyOf(fmt.Errorf("dial tcp: connection refused"))
	assert.Equal(t, 421, code)
	assert.Contains(t, text, "4.4.2")

	code, text = replyOf(fmt.Errorf("550 5.1.1 no such user"))
	assert.Equal(t, 550, code)
	assert.Equal(t, "5.1.1 no such user", text)
}
