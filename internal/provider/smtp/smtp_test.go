package smtp

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeSMTPServer is a scripted single-connection SMTP server. It accepts
// every command except RCPT TO for addresses in rejectRcpt, and optionally
// drops the connection after a number of completed messages.
type fakeSMTPServer struct {
	ln         net.Listener
	rejectRcpt map[string]bool

	// disconnectAfter, when > 0, closes the connection abruptly once that
	// many messages have been accepted.
	disconnectAfter int

	messages int
	gotQuit  bool
	done     chan struct{}
}

func startFakeServer(t *testing.T, rejectRcpt map[string]bool, disconnectAfter int) *fakeSMTPServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := &fakeSMTPServer{
		ln:              ln,
		rejectRcpt:      rejectRcpt,
		disconnectAfter: disconnectAfter,
		done:            make(chan struct{}),
	}
	go srv.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return srv
}

func (s *fakeSMTPServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to split listener address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse listener port: %v", err)
	}
	return host, port
}

func (s *fakeSMTPServer) serve() {
	defer close(s.done)

	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	write := func(line string) {
		_, _ = conn.Write([]byte(line + "\r\n"))
	}

	write("220 fake.example.com ESMTP ready")

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		verb := strings.ToUpper(cmd)

		switch {
		case strings.HasPrefix(verb, "EHLO"), strings.HasPrefix(verb, "HELO"):
			write("250 fake.example.com")
		case strings.HasPrefix(verb, "MAIL"):
			write("250 sender ok")
		case strings.HasPrefix(verb, "RCPT"):
			addr := extractAddress(cmd)
			if s.rejectRcpt[addr] {
				write("550 mailbox unavailable")
			} else {
				write("250 recipient ok")
			}
		case strings.HasPrefix(verb, "DATA"):
			write("354 go ahead")
			for {
				dataLine, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(dataLine, "\r\n") == "." {
					break
				}
			}
			s.messages++
			if s.disconnectAfter > 0 && s.messages >= s.disconnectAfter {
				// Abrupt disconnect, no reply.
				return
			}
			write("250 message accepted")
		case strings.HasPrefix(verb, "RSET"):
			write("250 ok")
		case strings.HasPrefix(verb, "QUIT"):
			s.gotQuit = true
			write("221 bye")
			return
		default:
			write("502 command not implemented")
		}
	}
}

// extractAddress pulls the addr-spec out of "RCPT TO:<addr>".
func extractAddress(cmd string) string {
	start := strings.Index(cmd, "<")
	end := strings.Index(cmd, ">")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return cmd[start+1 : end]
}

func (s *fakeSMTPServer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("fake server did not finish")
	}
}

const testMessage = "From: list@example.com\r\nSubject: hi\r\n\r\nbody\r\n"

func TestSend_AllRecipientsSucceed(t *testing.T) {
	t.Parallel()

	srv := startFakeServer(t, nil, 0)
	host, port := srv.hostPort(t)
	sender := New(host, port, "list@example.com")

	recipients := []string{"a@example.com", "b@example.com"}
	outcome, err := sender.Send(context.Background(), []byte(testMessage), recipients)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv.wait(t)

	if len(outcome.Succeeded) != 2 || len(outcome.Failed) != 0 {
		t.Errorf("outcome: succeeded=%v failed=%v", outcome.Succeeded, outcome.Failed)
	}
	if srv.messages != 2 {
		t.Errorf("server accepted %d messages, want 2", srv.messages)
	}
	if !srv.gotQuit {
		t.Error("session should end with QUIT")
	}
}

func TestSend_PerRecipientRejectionContinues(t *testing.T) {
	t.Parallel()

	srv := startFakeServer(t, map[string]bool{"bad@example.com": true}, 0)
	host, port := srv.hostPort(t)
	sender := New(host, port, "list@example.com")

	recipients := []string{"a@example.com", "bad@example.com", "c@example.com"}
	outcome, err := sender.Send(context.Background(), []byte(testMessage), recipients)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv.wait(t)

	if _, ok := outcome.Succeeded["a@example.com"]; !ok {
		t.Error("a@example.com should have succeeded")
	}
	if _, ok := outcome.Succeeded["c@example.com"]; !ok {
		t.Error("c@example.com should have succeeded after the rejection")
	}
	if len(outcome.Failed) != 1 || outcome.Failed[0] != "bad@example.com" {
		t.Errorf("failed: got %v, want [bad@example.com]", outcome.Failed)
	}
}

func TestSend_DisconnectBulkFailsRemainder(t *testing.T) {
	t.Parallel()

	srv := startFakeServer(t, nil, 2)
	host, port := srv.hostPort(t)
	sender := New(host, port, "list@example.com")

	recipients := []string{"r1@example.com", "r2@example.com", "r3@example.com"}
	outcome, err := sender.Send(context.Background(), []byte(testMessage), recipients)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv.wait(t)

	// r2 completed DATA but the server hung up instead of confirming, so
	// only r1 is known-delivered; r2 and r3 are failed.
	if _, ok := outcome.Succeeded["r1@example.com"]; !ok {
		t.Error("r1@example.com should have succeeded")
	}
	if got := len(outcome.Succeeded) + len(outcome.Failed); got != len(recipients) {
		t.Errorf("partition size: got %d, want %d", got, len(recipients))
	}
	for _, want := range []string{"r2@example.com", "r3@example.com"} {
		found := false
		for _, r := range outcome.Failed {
			if r == want {
				found = true
			}
		}
		if !found {
			t.Errorf("%s missing from failed list %v", want, outcome.Failed)
		}
	}
}

func TestSend_ConnectFailureIsError(t *testing.T) {
	t.Parallel()

	// Grab a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	_ = ln.Close()

	sender := New(host, port, "list@example.com")
	if _, err := sender.Send(context.Background(), []byte(testMessage), []string{"a@example.com"}); err == nil {
		t.Fatal("expected session establishment error")
	}
}
