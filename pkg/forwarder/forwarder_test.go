package forwarder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"code.savanna.org/golang/pkg/identifier"
)

func TestForwardSuccess(t *testing.T) {
	var received identifier.AnalyzeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"matched":true,"matchedUserId":"uid-abc123","hash":"abc123ff","score":0.671,"qrPayload":"{}","isNew":true}`))
	}))
	defer srv.Close()

	fwd := getForwarder(t, srv.URL, 0)
	result, err := fwd.Forward(context.Background(), []byte("palm sample"), "alice")
	if nil != err {
		t.Fatalf("failed Forward, got error %v", err)
	}
	if "uid-abc123" != result.MatchedUserId || "abc123ff" != result.Hash || !result.IsNew || "0.671" != string(result.Score) {
		t.Errorf("unexpected result %+v", result)
	}

	if "alice" != received.UserId || nil == received.Payload {
		t.Fatalf("unexpected upstream request %+v", received)
	}
	sample, _ := base64.StdEncoding.DecodeString(received.Payload.Ciphertext)
	if "palm sample" != string(sample) {
		t.Errorf("upstream received sample %q", sample)
	}
}

func TestForwardUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := getForwarder(t, srv.URL, 0).Forward(context.Background(), []byte("x"), "")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("can not cast err to *UpstreamError")
	}
	if http.StatusInternalServerError != upErr.Status || "boom\n" != upErr.Body {
		t.Errorf("unexpected UpstreamError %+v", upErr)
	}
}

func TestForwardTimeout(t *testing.T) {
	canceled := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(canceled)
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	t0 := time.Now()
	_, err := getForwarder(t, srv.URL, 50*time.Millisecond).Forward(context.Background(), []byte("x"), "")
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
	if elapsed := time.Since(t0); elapsed > 2*time.Second {
		t.Errorf("Forward returned after %v", elapsed)
	}

	// the upstream request is canceled as well
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Error("upstream request was not canceled")
	}
}

func TestForwardMalformed(t *testing.T) {
	testcases := []string{
		`{"hash":"abc"}`,
		`{"matchedUserId":""}`,
		`not json`,
		`{"matchedUserId":42}`,
	}
	for pos, body := range testcases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		_, err := getForwarder(t, srv.URL, 0).Forward(context.Background(), []byte("x"), "")
		if !errors.Is(err, ErrMalformedUpstreamResponse) {
			t.Errorf("#%d: expected ErrMalformedUpstreamResponse, got %v", pos, err)
		}
		srv.Close()
	}
}

func TestForwardUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := getForwarder(t, url, 0).Forward(context.Background(), []byte("x"), "")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", nil, 0); nil == err {
		t.Error("New accepted empty url")
	}
	if _, err := New("http://localhost", nil, -time.Second); nil == err {
		t.Error("New accepted negative timeout")
	}
}

func getForwarder(t *testing.T, url string, timeout time.Duration) *Forwarder {
	fwd, err := New(url, nil, timeout)
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	return fwd
}
