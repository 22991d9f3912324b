package upload

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"code.savanna.org/golang/internal/observability"
	"code.savanna.org/golang/internal/transport"
	"code.savanna.org/golang/pkg/audit"
	"code.savanna.org/golang/pkg/forwarder"
	"code.savanna.org/golang/pkg/handshake"
	"code.savanna.org/golang/pkg/identifier"
	"code.savanna.org/golang/pkg/keys"
	"code.savanna.org/golang/pkg/permission"
	"code.savanna.org/golang/pkg/secchan"
)

type testClock struct {
	mut sync.Mutex
	now time.Time
}

func (self *testClock) Now() time.Time {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.now
}

func (self *testClock) Advance(d time.Duration) {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.now = self.now.Add(d)
}

type testApp struct {
	server     *httptest.Server
	clock      *testClock
	audit      *audit.MemoryLog
	identities *identifier.MemStore
}

type appOptions struct {
	algo           http.Handler
	timeout        time.Duration
	rateLimit      float64
	rateBurst      int
	trustedProxies []string
	logger         *slog.Logger
}

// newTestApp serves the application backed by in memory stores.
// The identifier service is served by opts.algo if set.
func newTestApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	app := &testApp{
		clock:      &testClock{now: time.Now()},
		audit:      &audit.MemoryLog{},
		identities: &identifier.MemStore{},
	}

	algo := opts.algo
	if nil == algo {
		idsvc, err := identifier.NewService(identifier.ServiceConfig{Store: app.identities})
		require.NoError(t, err)
		analyze, err := identifier.NewAnalyzeHandler(idsvc, 0)
		require.NoError(t, err)
		ar := chi.NewRouter()
		ar.Method(http.MethodPost, identifier.AnalyzePath, analyze)
		algo = ar
	}
	algoSrv := httptest.NewServer(algo)
	t.Cleanup(algoSrv.Close)

	timeout := opts.timeout
	if 0 == timeout {
		timeout = 5 * time.Second
	}
	fwd, err := forwarder.New(algoSrv.URL+identifier.AnalyzePath, algoSrv.Client(), timeout)
	require.NoError(t, err)

	ks := keys.NewMemKeyStore()
	reg, err := handshake.NewRegistry(handshake.RegistryConfig{
		Keys:  ks,
		Store: handshake.NewMemStore(),
		Audit: app.audit,
		Now:   app.clock.Now,
	})
	require.NoError(t, err)

	gate, err := permission.NewGate(&permission.MemStore{})
	require.NoError(t, err)

	svc, err := NewService(ServiceConfig{Keys: ks, Registry: reg, Matcher: fwd, Gate: gate})
	require.NoError(t, err)

	hdlr, err := NewHandler(HandlerConfig{
		Service:   svc,
		Gate:      gate,
		RateLimit:      opts.rateLimit,
		RateBurst:      opts.rateBurst,
		TrustedProxies: opts.trustedProxies,
	})
	require.NoError(t, err)

	logger := opts.logger
	if nil == logger {
		logger = observability.NoopLogger()
	}
	r := chi.NewRouter()
	hdlr.RegisterRoutes(r)
	mw := observability.Middleware{
		TraceIdHeader: "X-Request-Id",
		Logger:        logger,
		Metrics:       observability.NewMetrics(),
	}
	app.server = httptest.NewServer(mw.Wrap(r))
	t.Cleanup(app.server.Close)

	return app
}

func (self *testApp) do(t *testing.T, method string, path string, body any) (int, []byte) {
	t.Helper()

	var rd *bytes.Reader
	if nil == body {
		rd = bytes.NewReader(nil)
	} else {
		srz, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(srz)
	}
	req, err := http.NewRequest(method, self.server.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "savanna-e2e")

	resp, err := self.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, buf.Bytes()
}

func (self *testApp) handshake(t *testing.T) HandshakeResponse {
	t.Helper()

	status, body := self.do(t, http.MethodGet, HandshakePath, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var hs HandshakeResponse
	require.NoError(t, json.Unmarshal(body, &hs))
	return hs
}

// seal runs the client side of a secure upload of sample.
func seal(t *testing.T, hs HandshakeResponse, sample []byte, userId string) SecureUploadRequest {
	t.Helper()

	serverPub, err := base64.StdEncoding.DecodeString(hs.PublicKey)
	require.NoError(t, err)
	salt, err := base64.StdEncoding.DecodeString(hs.Salt)
	require.NoError(t, err)

	sealed, err := secchan.V1.Seal(serverPub, salt, sample)
	require.NoError(t, err)

	return SecureUploadRequest{
		UserId: userId,
		Payload: &SecurePayload{
			IV:         base64.StdEncoding.EncodeToString(sealed.IV),
			Ciphertext: base64.StdEncoding.EncodeToString(sealed.Ciphertext),
		},
		ClientPub: base64.StdEncoding.EncodeToString(sealed.ClientPub),
		KeyId:     hs.KeyId,
	}
}

func requireMessage(t *testing.T, body []byte, expected string) transport.ErrorBody {
	t.Helper()

	var eb transport.ErrorBody
	require.NoError(t, json.Unmarshal(body, &eb), string(body))
	require.Equal(t, expected, eb.Message)
	return eb
}

func palmSample(t *testing.T) []byte {
	t.Helper()

	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	require.NoError(t, err)
	return []byte(fmt.Sprintf("INTEGRATION_TEST_PALM_%d", n.Int64()))
}

func TestSecureUploadScenario(t *testing.T) {
	app := newTestApp(t, appOptions{})
	sample := palmSample(t)
	digest := sha256.Sum256(sample)
	expectedHash := hex.EncodeToString(digest[:])

	hs := app.handshake(t)
	require.Equal(t, "P-256", hs.Curve)
	require.Len(t, hs.KeyId, 2*handshake.KeyIdSize)
	require.Greater(t, hs.Expires, time.Now().UnixMilli())

	status, body := app.do(t, http.MethodPost, SecureUploadPath, seal(t, hs, sample, "tester"))
	require.Equal(t, http.StatusOK, status, string(body))

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, UploadedMessage, resp.Message)
	require.Equal(t, expectedHash, resp.Result.Hash)
	require.Equal(t, identifier.DeriveUid(expectedHash), resp.Result.MatchedUserId)
	require.Equal(t, resp.Result.MatchedUserId, resp.InternalData.UniqueUserId)
	require.True(t, resp.Result.IsNew)
	require.NotEmpty(t, resp.Result.Score)
	require.False(t, resp.Permission.Authorized)
	require.Equal(t, permission.ReasonNotFound, resp.Permission.Reason)

	var qr identifier.QRPayload
	require.NoError(t, json.Unmarshal([]byte(resp.Result.QRPayload), &qr))
	require.Equal(t, resp.Result.MatchedUserId, qr.Uid)
	require.Equal(t, expectedHash, qr.Hash)

	// replay
	status, body = app.do(t, http.MethodPost, SecureUploadPath, seal(t, hs, sample, "tester"))
	require.Equal(t, http.StatusBadRequest, status)
	requireMessage(t, body, "invalid or expired keyId")

	// register, then upload the same sample again
	status, body = app.do(t, http.MethodPost, permission.RegisterPath, map[string]any{
		"uniqueId": resp.Result.MatchedUserId,
		"allowed":  true,
	})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = app.do(t, http.MethodPost, SecureUploadPath, seal(t, app.handshake(t), sample, "tester"))
	require.Equal(t, http.StatusOK, status, string(body))
	var again UploadResponse
	require.NoError(t, json.Unmarshal(body, &again))
	require.False(t, again.Result.IsNew)
	require.Equal(t, resp.Result.MatchedUserId, again.Result.MatchedUserId)
	require.True(t, again.Permission.Authorized)
	require.Equal(t, permission.ReasonAuthorized, again.Permission.Reason)

	require.Equal(t, 1, app.identities.Len())
	require.Equal(t, []audit.Kind{audit.KindCreate, audit.KindConsume}, app.audit.Kinds(hs.KeyId))
}

func TestSecureUploadExpired(t *testing.T) {
	app := newTestApp(t, appOptions{})

	hs := app.handshake(t)
	app.clock.Advance(handshake.DefaultTTL + time.Second)

	status, body := app.do(t, http.MethodPost, SecureUploadPath, seal(t, hs, palmSample(t), ""))
	require.Equal(t, http.StatusBadRequest, status)
	requireMessage(t, body, "handshake expired")

	// expired handshakes are removed
	status, body = app.do(t, http.MethodPost, SecureUploadPath, seal(t, hs, palmSample(t), ""))
	require.Equal(t, http.StatusBadRequest, status)
	requireMessage(t, body, "invalid or expired keyId")

	require.Equal(t, []audit.Kind{audit.KindCreate, audit.KindExpire}, app.audit.Kinds(hs.KeyId))
}

func TestSecureUploadTampered(t *testing.T) {
	app := newTestApp(t, appOptions{})

	hs := app.handshake(t)
	req := seal(t, hs, palmSample(t), "")
	ciphertext, _ := base64.StdEncoding.DecodeString(req.Payload.Ciphertext)
	ciphertext[0] ^= 0x01
	req.Payload.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)

	status, body := app.do(t, http.MethodPost, SecureUploadPath, req)
	require.Equal(t, http.StatusBadRequest, status)
	requireMessage(t, body, "decryption failed")
	require.Equal(t, 0, app.identities.Len())

	// the handshake is consumed by the failed attempt
	status, body = app.do(t, http.MethodPost, SecureUploadPath, seal(t, hs, palmSample(t), ""))
	require.Equal(t, http.StatusBadRequest, status)
	requireMessage(t, body, "invalid or expired keyId")
}

func TestSecureUploadInvalidRequests(t *testing.T) {
	app := newTestApp(t, appOptions{})
	hs := app.handshake(t)
	valid := seal(t, hs, palmSample(t), "")

	shortIV := valid
	shortIV.Payload = &SecurePayload{
		IV:         base64.StdEncoding.EncodeToString(make([]byte, 8)),
		Ciphertext: valid.Payload.Ciphertext,
	}
	shortCiphertext := valid
	shortCiphertext.Payload = &SecurePayload{
		IV:         valid.Payload.IV,
		Ciphertext: base64.StdEncoding.EncodeToString(make([]byte, secchan.TagSize-1)),
	}
	notBase64 := valid
	notBase64.ClientPub = "%%%"
	badPoint := valid
	badPoint.ClientPub = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x04}, 65))
	noKeyId := valid
	noKeyId.KeyId = ""
	noPayload := valid
	noPayload.Payload = nil

	testcases := []struct {
		name    string
		req     SecureUploadRequest
		message string
	}{
		{"no payload", noPayload, "invalid secure payload: missing required fields"},
		{"no keyId", noKeyId, "keyId is required for secure upload"},
		{"short iv", shortIV, "invalid IV length (must be 12 bytes)"},
		{"short ciphertext", shortCiphertext, "ciphertext too short"},
		{"not base64", notBase64, "invalid secure payload: fields must be base64"},
		{"bad clientPub", badPoint, "invalid client public key"},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := app.do(t, http.MethodPost, SecureUploadPath, tc.req)
			require.Equal(t, http.StatusBadRequest, status)
			requireMessage(t, body, tc.message)
		})
	}

	// rejected requests do not consume the handshake
	status, body := app.do(t, http.MethodPost, SecureUploadPath, valid)
	require.Equal(t, http.StatusOK, status, string(body))
}

func TestSecureUploadUpstreamError(t *testing.T) {
	algo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
	})
	app := newTestApp(t, appOptions{algo: algo})

	status, body := app.do(t, http.MethodPost, SecureUploadPath, seal(t, app.handshake(t), palmSample(t), ""))
	require.Equal(t, http.StatusBadGateway, status)
	eb := requireMessage(t, body, "Algorithm service error")
	require.Equal(t, "upstream status 500", eb.Details)
}

func TestSecureUploadMalformedUpstream(t *testing.T) {
	algo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hash":"abc"}`))
	})
	app := newTestApp(t, appOptions{algo: algo})

	status, body := app.do(t, http.MethodPost, SecureUploadPath, seal(t, app.handshake(t), palmSample(t), ""))
	require.Equal(t, http.StatusBadGateway, status)
	requireMessage(t, body, "Algorithm service error")
}

func TestSecureUploadUpstreamTimeout(t *testing.T) {
	algo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	app := newTestApp(t, appOptions{algo: algo, timeout: 100 * time.Millisecond})

	status, body := app.do(t, http.MethodPost, SecureUploadPath, seal(t, app.handshake(t), palmSample(t), ""))
	require.Equal(t, http.StatusGatewayTimeout, status)
	requireMessage(t, body, "Algorithm service timeout")
}

func TestHandshakeRateLimit(t *testing.T) {
	app := newTestApp(t, appOptions{rateLimit: 0.001, rateBurst: 2})

	app.handshake(t)
	app.handshake(t)
	status, body := app.do(t, http.MethodGet, HandshakePath, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	requireMessage(t, body, "too many handshake requests")
}

func TestBannerAndPublicKey(t *testing.T) {
	app := newTestApp(t, appOptions{})

	status, body := app.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, Banner, strings.TrimSpace(string(body)))

	status, body = app.do(t, http.MethodGet, PublicKeyPath, nil)
	require.Equal(t, http.StatusOK, status)
	var pk PublicKeyResponse
	require.NoError(t, json.Unmarshal(body, &pk))
	require.Equal(t, "P-256", pk.Curve)

	hs := app.handshake(t)
	require.Equal(t, pk.PublicKey, hs.PublicKey)
}

func TestClientIP(t *testing.T) {
	testcases := []struct {
		xff        string
		remoteAddr string
		expected   string
	}{
		{"", "10.1.2.3:5555", "10.1.2.3"},
		{"192.0.2.1, 10.0.0.1", "10.1.2.3:5555", "192.0.2.1"},
		{" ", "[::1]:80", "::1"},
		{"", "pipe", "pipe"},
	}
	for _, tc := range testcases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tc.remoteAddr
		if "" != tc.xff {
			r.Header.Set("X-Forwarded-For", tc.xff)
		}
		require.Equal(t, tc.expected, ClientIP(r))
	}
}

func TestClientUpload(t *testing.T) {
	app := newTestApp(t, appOptions{})
	client, err := NewClient(app.server.URL+"/", app.server.Client())
	require.NoError(t, err)

	sample := palmSample(t)
	resp, err := client.Upload(t.Context(), sample, "tester")
	require.NoError(t, err)
	require.True(t, resp.Result.IsNew)

	again, err := client.Upload(t.Context(), sample, "tester")
	require.NoError(t, err)
	require.False(t, again.Result.IsNew)
	require.Equal(t, resp.Result.MatchedUserId, again.Result.MatchedUserId)

	// a sealed request is single use
	hs, err := client.Handshake(t.Context())
	require.NoError(t, err)
	req, err := client.Seal(hs, sample, "")
	require.NoError(t, err)
	require.NoError(t, client.do(t.Context(), http.MethodPost, SecureUploadPath, req, &UploadResponse{}))

	err = client.do(t.Context(), http.MethodPost, SecureUploadPath, req, &UploadResponse{})
	var rerr *ResponseError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, http.StatusBadRequest, rerr.Status)
	require.Equal(t, "invalid or expired keyId", rerr.Body.Message)
}

// getHandshake requests a handshake with the given X-Forwarded-For header.
func (self *testApp) getHandshake(t *testing.T, xff string) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, self.server.URL+HandshakePath, nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", xff)
	resp, err := self.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	return resp.StatusCode
}

func TestHandshakeRateLimitIgnoresForwardedFor(t *testing.T) {
	app := newTestApp(t, appOptions{rateLimit: 0.001, rateBurst: 1})

	require.Equal(t, http.StatusOK, app.getHandshake(t, "198.51.100.1"))
	for i := 2; i < 6; i++ {
		status := app.getHandshake(t, fmt.Sprintf("198.51.100.%d", i))
		require.Equal(t, http.StatusTooManyRequests, status)
	}
}

func TestHandshakeRateLimitTrustedProxy(t *testing.T) {
	app := newTestApp(t, appOptions{
		rateLimit:      0.001,
		rateBurst:      1,
		trustedProxies: []string{"127.0.0.0/8", "::1"},
	})

	require.Equal(t, http.StatusOK, app.getHandshake(t, "198.51.100.1"))
	require.Equal(t, http.StatusOK, app.getHandshake(t, "198.51.100.2"))
	require.Equal(t, http.StatusTooManyRequests, app.getHandshake(t, "198.51.100.1"))
}

func TestNewHandlerInvalidTrustedProxy(t *testing.T) {
	gate, err := permission.NewGate(&permission.MemStore{})
	require.NoError(t, err)
	ks := keys.NewMemKeyStore()
	reg, err := handshake.NewRegistry(handshake.RegistryConfig{Keys: ks, Store: handshake.NewMemStore()})
	require.NoError(t, err)
	svc, err := NewService(ServiceConfig{Keys: ks, Registry: reg, Matcher: &forwarder.Forwarder{}, Gate: gate})
	require.NoError(t, err)

	_, err = NewHandler(HandlerConfig{Service: svc, Gate: gate, TrustedProxies: []string{"proxy.local"}})
	require.Error(t, err)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (self *syncBuffer) Write(p []byte) (int, error) {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.buf.Write(p)
}

func (self *syncBuffer) String() string {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.buf.String()
}

func TestSecureUploadLogsUpstreamBody(t *testing.T) {
	var logs syncBuffer
	logger, err := observability.NewLogger(&logs, "debug", "text")
	require.NoError(t, err)

	algo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "identity store offline", http.StatusServiceUnavailable)
	})
	app := newTestApp(t, appOptions{algo: algo, logger: logger})

	status, body := app.do(t, http.MethodPost, SecureUploadPath, seal(t, app.handshake(t), palmSample(t), ""))
	require.Equal(t, http.StatusBadGateway, status)
	eb := requireMessage(t, body, "Algorithm service error")
	require.NotContains(t, eb.Details, "identity store offline")

	out := logs.String()
	require.Contains(t, out, "upstreamStatus=503")
	require.Contains(t, out, "identity store offline")
}

func TestRotateKey(t *testing.T) {
	app := newTestApp(t, appOptions{})
	before := app.handshake(t)

	status, body := app.do(t, http.MethodPost, RotateKeyPath, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var rotated PublicKeyResponse
	require.NoError(t, json.Unmarshal(body, &rotated))
	require.Equal(t, "P-256", rotated.Curve)
	require.NotEqual(t, before.PublicKey, rotated.PublicKey)

	status, body = app.do(t, http.MethodGet, PublicKeyPath, nil)
	require.Equal(t, http.StatusOK, status)
	var current PublicKeyResponse
	require.NoError(t, json.Unmarshal(body, &current))
	require.Equal(t, rotated.PublicKey, current.PublicKey)
	require.Equal(t, rotated.PublicKey, app.handshake(t).PublicKey)

	// handshakes issued under the retired pair stay usable
	status, body = app.do(t, http.MethodPost, SecureUploadPath, seal(t, before, palmSample(t), ""))
	require.Equal(t, http.StatusOK, status, string(body))
}
