package mail

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/notify"
)

var sample = notify.Message{
	ID:             "3f2b9c4e-0000-4000-8000-000000000001",
	CustomerID:     "cust-1",
	CustomerName:   "Ada Byron",
	To:             "ada@example.com",
	Subject:        notify.Subject,
	HTML:           "<html><body><p>Hello</p>\n</body></html>",
	TransactionIDs: []string{"tx-1", "tx-2"},
}

func TestSMTPSender_Send(t *testing.T) {
	s := NewSMTPSender("mail.example.com:587", "alerts@bank.example", "user", "pass")
	require.NotNil(t, s.auth)

	var gotTo []string
	var gotMsg []byte
	s.send = func(_ context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "mail.example.com:587", addr)
		assert.Equal(t, "alerts@bank.example", from)
		gotTo, gotMsg = to, msg
		return nil
	}

	require.NoError(t, s.Send(context.Background(), sample))
	assert.Equal(t, []string{"ada@example.com"}, gotTo)
	raw := string(gotMsg)
	assert.Contains(t, raw, "To: ada@example.com\r\n")
	assert.Contains(t, raw, "Subject: URGENT: Verify Account Activity\r\n")
	assert.Contains(t, raw, `Content-Type: text/html; charset="utf-8"`)
	assert.Contains(t, raw, "<p>Hello</p>\r\n</body>")
	assert.Equal(t, cases.ChannelMail, s.Channel())
}

func TestSMTPSender_Errors(t *testing.T) {
	s := NewSMTPSender("localhost:25", "alerts@bank.example", "", "")
	assert.Nil(t, s.auth)

	s.send = func(context.Context, string, smtp.Auth, string, []string, []byte) error {
		return errors.New("554 rejected")
	}
	err := s.Send(context.Background(), sample)
	assert.ErrorContains(t, err, "554 rejected")

	noTo := sample
	noTo.To = ""
	assert.ErrorIs(t, s.Send(context.Background(), noTo), ErrNoRecipient)
}

// smtpRelay is a minimal SMTP responder. With stall set it accepts the
// connection and never greets.
type smtpRelay struct {
	ln     net.Listener
	stall  bool
	closed chan struct{}
	mu     sync.Mutex
	data   string
}

func newSMTPRelay(t *testing.T, stall bool) *smtpRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &smtpRelay{ln: ln, stall: stall, closed: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go r.serve()
	return r
}

func (r *smtpRelay) serve() {
	conn, err := r.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	defer close(r.closed)

	tp := textproto.NewConn(conn)
	if r.stall {
		_, _ = io.Copy(io.Discard, conn)
		return
	}
	_ = tp.PrintfLine("220 relay.test ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			_ = tp.PrintfLine("250 relay.test")
		case "MAIL", "RCPT":
			_ = tp.PrintfLine("250 OK")
		case "DATA":
			_ = tp.PrintfLine("354 go ahead")
			body, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			r.mu.Lock()
			r.data = string(body)
			r.mu.Unlock()
			_ = tp.PrintfLine("250 queued")
		case "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 not implemented")
		}
	}
}

func TestSMTPSender_DeliversOverSocket(t *testing.T) {
	relay := newSMTPRelay(t, false)
	s := NewSMTPSender(relay.ln.Addr().String(), "alerts@bank.example", "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, sample))

	<-relay.closed
	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Contains(t, relay.data, "To: ada@example.com")
	assert.Contains(t, relay.data, "<p>Hello</p>")
}

func TestSMTPSender_TimeoutClosesConnection(t *testing.T) {
	relay := newSMTPRelay(t, true)
	s := NewSMTPSender(relay.ln.Addr().String(), "alerts@bank.example", "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Send(ctx, sample)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-relay.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open after the send timed out")
	}
}

func TestBuildMIME_StripsHeaderInjection(t *testing.T) {
	msg := sample
	msg.To = "ada@example.com\r\nBcc: attacker@example.com"
	raw := string(buildMIME("alerts@bank.example", msg, time.Unix(0, 0)))
	assert.NotContains(t, raw, "\r\nBcc:")
}

func TestWebhookSender_SignsPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, Sign(body, "s3cret"), r.Header.Get(HeaderSignature))
		assert.Equal(t, sample.ID, r.Header.Get(HeaderMessageID))
		assert.Contains(t, string(body), `"transactionIds":["tx-1","tx-2"]`)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	w := NewWebhookSender(server.URL, "s3cret")
	require.NoError(t, w.Send(context.Background(), sample))
	assert.Equal(t, cases.ChannelWebhook, w.Channel())
}

func TestWebhookSender_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewWebhookSender(server.URL, "").Send(context.Background(), sample)
	assert.ErrorContains(t, err, "status 503")
}

func TestFileOutbox_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	o := NewFileOutbox(dir)
	o.now = func() time.Time { return time.Unix(1700000000, 0) }

	path, err := o.Save(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ALERT_Ada_Byron_1700000000.html"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sample.HTML, string(data))

	// Same second, same name: a second file is written, not overwritten.
	again, err := o.Save(context.Background(), sample)
	require.NoError(t, err)
	assert.NotEqual(t, path, again)
	assert.True(t, strings.HasSuffix(again, "_3f2b9c4e.html"))
}

func TestFileOutbox_SanitizesName(t *testing.T) {
	o := NewFileOutbox(t.TempDir())
	o.now = func() time.Time { return time.Unix(1, 0) }

	msg := sample
	msg.CustomerName = "../../etc/passwd"
	path, err := o.Save(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "ALERT_.._.._etc_passwd_1.html", filepath.Base(path))
}
