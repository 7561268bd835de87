package notifier

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier_PostsSubject(t *testing.T) {
	var got webhookPayload
	var apiKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-Internal-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, APIKey: "secret"}, nil)
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), "tx-1"))
	assert.Equal(t, "tx-1", got.SubjectID)
	assert.Equal(t, "secret", apiKey)
}

func TestWebhookNotifier_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: server.URL, ConsecutiveFailures: 2, OpenTimeout: time.Minute}, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err := n.Notify(context.Background(), "tx-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 502")
	}
	assert.Equal(t, gobreaker.StateOpen, n.State())

	err = n.Notify(context.Background(), "tx-1")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestNewWebhookNotifier_RequiresURL(t *testing.T) {
	_, err := NewWebhookNotifier(WebhookConfig{URL: "  "}, nil)
	require.Error(t, err)
}

type countingNotifier struct {
	calls int
}

func (c *countingNotifier) Notify(ctx context.Context, subjectID string) error {
	c.calls++
	return nil
}

func TestFlakyNotifier_FailsFirstAttemptsPerSubject(t *testing.T) {
	next := &countingNotifier{}
	n := NewFlakyNotifier(next, 2)

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, n.Notify(context.Background(), "a"), ErrSimulatedFailure)
	}
	require.ErrorIs(t, n.Notify(context.Background(), "b"), ErrSimulatedFailure)
	require.NoError(t, n.Notify(context.Background(), "a"))
	assert.Equal(t, 1, next.calls)
}

func TestLogNotifier_NeverFails(t *testing.T) {
	require.NoError(t, NewLogNotifier(nil).Notify(context.Background(), "tx-1"))
}

// fakeSMTPServer accepts one session and captures the DATA payload.
func fakeSMTPServer(t *testing.T) (host, port string, data <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		write := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

		write("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				write("250 localhost")
			case strings.HasPrefix(cmd, "MAIL FROM"), strings.HasPrefix(cmd, "RCPT TO"):
				write("250 OK")
			case cmd == "DATA":
				write("354 End data with <CR><LF>.<CR><LF>")
				var b strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if strings.TrimRight(l, "\r\n") == "." {
						break
					}
					b.WriteString(l)
				}
				out <- b.String()
				write("250 OK queued")
			case cmd == "QUIT":
				write("221 Bye")
				return
			default:
				write("500 unknown command")
			}
		}
	}()

	host, port, err = net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return host, port, out
}

func TestEmailNotifier_SendsHTMLMail(t *testing.T) {
	host, port, data := fakeSMTPServer(t)

	n, err := NewEmailNotifier(EmailConfig{
		Host: host,
		Port: port,
		From: "ledger@example.com",
		To:   []string{"ops@example.com"},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Notify(ctx, "tx-77"))

	select {
	case msg := <-data:
		assert.Contains(t, msg, "Subject: Notification")
		assert.Contains(t, msg, "Content-Type: text/html")
		assert.Contains(t, msg, "tx-77")
	case <-time.After(time.Second):
		t.Fatal("smtp server never received DATA")
	}
}

func TestEmailNotifier_DialFailureIsReturned(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	n, err := NewEmailNotifier(EmailConfig{Host: host, Port: port, From: "a@b.c", To: []string{"d@e.f"}, DialTimeout: time.Second})
	require.NoError(t, err)

	err = n.Notify(context.Background(), "tx-1")
	require.Error(t, err)
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr), "expected a dial error, got %v", err)
}

func TestNewEmailNotifier_Validation(t *testing.T) {
	_, err := NewEmailNotifier(EmailConfig{Port: "25", To: []string{"x@y.z"}})
	require.Error(t, err)
	_, err = NewEmailNotifier(EmailConfig{Host: "smtp", Port: "25"})
	require.Error(t, err)
}
