// Package forwarder submits decrypted samples to the identifier service.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"code.savanna.org/golang/internal/observability"
	"code.savanna.org/golang/pkg/identifier"
)

const (
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// MatchResult is the identifier service answer.
//
// Score is kept raw, the service may send it as a number or a string.
type MatchResult struct {
	MatchedUserId string          `json:"matchedUserId"`
	Hash          string          `json:"hash"`
	Score         json.RawMessage `json:"score,omitempty"`
	QRPayload     string          `json:"qrPayload"`
	IsNew         bool            `json:"isNew"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

// Forwarder posts samples to the identifier service analyze endpoint.
type Forwarder struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// New returns a Forwarder posting to url. A nil client uses http.DefaultClient,
// a zero timeout DefaultTimeout.
func New(url string, client *http.Client, timeout time.Duration) (*Forwarder, error) {
	if "" == url {
		return nil, newError("empty url")
	}
	if nil == client {
		client = http.DefaultClient
	}
	if timeout < 0 {
		return nil, newError("negative timeout")
	}
	if 0 == timeout {
		timeout = DefaultTimeout
	}
	return &Forwarder{url: url, client: client, timeout: timeout}, nil
}

// Forward submits sample on behalf of userId and returns the match result.
//
// The call is bounded by the Forwarder timeout, which cancels the outbound
// request. It errors with ErrUpstreamTimeout on deadline, with an
// *UpstreamError on non 2xx status, with ErrUpstreamUnavailable when the
// service can not be reached and with ErrMalformedUpstreamResponse if the
// answer lacks matchedUserId.
func (self *Forwarder) Forward(ctx context.Context, sample []byte, userId string) (MatchResult, error) {
	var rv MatchResult

	ctx, cancel := context.WithTimeout(ctx, self.timeout)
	defer cancel()

	srzreq, err := json.Marshal(identifier.NewAnalyzeRequest(sample, userId))
	if nil != err {
		return rv, wrapError(err, "failed marshalling analyze request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, self.url, bytes.NewReader(srzreq))
	if nil != err {
		return rv, wrapError(err, "failed creating request")
	}
	req.Header.Set("Content-Type", "application/json")

	log := observability.GetObservability(ctx).Log()
	t0 := time.Now()
	resp, err := self.client.Do(req)
	if nil != err {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return rv, wrapError(ErrUpstreamTimeout, "no answer after %v", self.timeout)
		}
		return rv, wrapError(ErrUpstreamUnavailable, "failed POST %s, %v", self.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if nil != err {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return rv, wrapError(ErrUpstreamTimeout, "incomplete answer after %v", self.timeout)
		}
		return rv, wrapError(ErrUpstreamUnavailable, "failed reading response, %v", err)
	}
	log.Debug("identifier service answered", "status", resp.StatusCode, "duration", time.Since(t0))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rv, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	if err = json.Unmarshal(body, &rv); nil != err {
		return rv, wrapError(ErrMalformedUpstreamResponse, "invalid JSON, %v", err)
	}
	if "" == rv.MatchedUserId {
		return rv, wrapError(ErrMalformedUpstreamResponse, "missing matchedUserId")
	}

	return rv, nil
}
