package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	if got := NewClient().Timeout; got != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", got)
	}
	if got := NewClient(WithTimeout(5 * time.Second)).Timeout; got != 5*time.Second {
		t.Errorf("custom timeout = %v, want 5s", got)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	resp, err := NewClient(WithUserAgent("hearth-test/1")).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "hearth-test/1" {
		t.Errorf("User-Agent = %q, want hearth-test/1", got)
	}
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(got, "Hearth/") {
		t.Errorf("User-Agent = %q, want Hearth/ prefix", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("boom")), 512); got != "boom" {
		t.Errorf("ReadErrorBody = %q, want boom", got)
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("abcdefgh")), 4); got != "abcd" {
		t.Errorf("truncated ReadErrorBody = %q, want abcd", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("nil ReadErrorBody = %q, want empty", got)
	}
}

type scriptedRoundTripper struct {
	errs  []error
	calls int
}

func (s *scriptedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func dialErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		count     int
		wantErr   bool
		wantCalls int
	}{
		{"success first try", nil, 3, false, 1},
		{"retries host unreachable", []error{dialErr(syscall.EHOSTUNREACH)}, 3, false, 2},
		{"retries refused", []error{dialErr(syscall.ECONNREFUSED), dialErr(syscall.ECONNREFUSED)}, 3, false, 3},
		{"exhausts retries", []error{dialErr(syscall.ENETUNREACH), dialErr(syscall.ENETUNREACH), dialErr(syscall.ENETUNREACH)}, 2, true, 3},
		{"no retry on reset", []error{dialErr(syscall.ECONNRESET)}, 3, true, 1},
		{"no retry on plain error", []error{errors.New("bad")}, 3, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &scriptedRoundTripper{errs: tt.errs}
			rt := &retryTransport{base: base, count: tt.count, delay: time.Millisecond}

			req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{dialErr(syscall.ECONNREFUSED)}}
	rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid/", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1", base.calls)
	}
}

func TestRetryTransport_ContextCancelled(t *testing.T) {
	base := &scriptedRoundTripper{errs: []error{dialErr(syscall.ECONNREFUSED)}}
	rt := &retryTransport{base: base, count: 3, delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid/", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
