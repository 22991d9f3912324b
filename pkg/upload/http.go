package upload

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"code.savanna.org/golang/internal/observability"
	"code.savanna.org/golang/internal/transport"
	"code.savanna.org/golang/pkg/forwarder"
	"code.savanna.org/golang/pkg/handshake"
	"code.savanna.org/golang/pkg/permission"
	"code.savanna.org/golang/pkg/secchan"
)

const (
	HandshakePath    = "/handshake"
	SecureUploadPath = "/vein/secure-upload"
	PublicKeyPath    = "/key/public"
	RotateKeyPath    = "/admin/rotate-key"

	DefaultMaxBodyBytes = 10 << 20
	Banner              = "Application Service running"

	limiterIdle = 10 * time.Minute
)

// HandlerConfig holds Handler configuration.
type HandlerConfig struct {
	Service *Service

	// Gate backs the admin register endpoint
	Gate *permission.Gate

	// MaxBodyBytes <= 0 uses DefaultMaxBodyBytes
	MaxBodyBytes int64

	// RateLimit is the number of handshakes per second allowed per client ip,
	// 0 disables limiting.
	RateLimit float64
	RateBurst int

	// TrustedProxies lists the peers (ip or cidr) whose X-Forwarded-For
	// header selects the rate limited client. Other peers are limited by
	// their own address.
	TrustedProxies []string
}

// Handler serves the application HTTP endpoints.
type Handler struct {
	service      *Service
	register     *permission.RegisterHandler
	limiter      *ipLimiter
	proxies      proxyList
	maxBodyBytes int64
}

// NewHandler returns a Handler. It errors if cfg is incomplete.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if nil == cfg.Service {
		return nil, newError("nil Service")
	}
	register, err := permission.NewRegisterHandler(cfg.Gate)
	if nil != err {
		return nil, wrapError(err, "failed creating register handler")
	}
	if cfg.RateLimit < 0 {
		return nil, newError("negative RateLimit")
	}

	proxies, err := parseProxyList(cfg.TrustedProxies)
	if nil != err {
		return nil, err
	}

	rv := &Handler{
		service:      cfg.Service,
		proxies:      proxies,
		register:     register,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if rv.maxBodyBytes <= 0 {
		rv.maxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.RateLimit > 0 {
		burst := max(cfg.RateBurst, 1)
		rv.limiter = newIPLimiter(rate.Limit(cfg.RateLimit), burst, limiterIdle)
	}

	return rv, nil
}

// RegisterRoutes registers the application routes on r.
func (self *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", self.handleBanner)
	r.Get(HandshakePath, self.handleHandshake)
	r.Get(PublicKeyPath, self.handlePublicKey)
	r.Post(SecureUploadPath, self.handleSecureUpload)
	r.Method(http.MethodPost, permission.RegisterPath, self.register)
	r.Post(RotateKeyPath, self.handleRotateKey)
}

func clientInfo(r *http.Request) handshake.ClientInfo {
	return handshake.ClientInfo{
		IP:        ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (self *Handler) handleBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, Banner)
}

func (self *Handler) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var errmsg string
	log := observability.GetObservability(r.Context()).Log().With("handler", "handshake")

	client := clientInfo(r)
	if nil != self.limiter {
		key := self.proxies.limitKey(r)
		if !self.limiter.allow(key) {
			errmsg = "too many handshake requests"
			transport.WriteError(w, http.StatusTooManyRequests, errmsg)
			log.Debug(errmsg, "limitKey", key, "ip", client.IP)
			return
		}
	}

	resp, err := self.service.Handshake(r.Context(), client)
	if nil != err {
		transport.WriteError(w, http.StatusInternalServerError, "handshake failed")
		log.Error("failed Handshake", "error", err)
		return
	}

	if err = transport.WriteJSON(w, http.StatusOK, resp); nil != err {
		log.Debug("failed delivering response", "error", err)
	}
}

func (self *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	log := observability.GetObservability(r.Context()).Log().With("handler", "publicKey")

	resp, err := self.service.PublicKey(r.Context())
	if nil != err {
		transport.WriteError(w, http.StatusInternalServerError, "public key unavailable")
		log.Error("failed PublicKey", "error", err)
		return
	}

	if err = transport.WriteJSON(w, http.StatusOK, resp); nil != err {
		log.Debug("failed delivering response", "error", err)
	}
}

func (self *Handler) handleSecureUpload(w http.ResponseWriter, r *http.Request) {
	var errmsg string
	obs := observability.GetObservability(r.Context())
	log := obs.Log().With("handler", "secureUpload")

	var req SecureUploadRequest
	if err := transport.ReadJSON(w, r, self.maxBodyBytes, &req); nil != err {
		errmsg = "invalid request body"
		transport.WriteError(w, http.StatusBadRequest, errmsg)
		obs.Meter().UploadOutcome(string(OutcomeInvalidRequest))
		log.Debug(errmsg, "error", err)
		return
	}

	resp, err := self.service.SecureUpload(r.Context(), req, clientInfo(r))
	outcome := Classify(err)
	obs.Meter().UploadOutcome(string(outcome))
	if nil != err {
		status, body := errorResponse(outcome, err)
		switch {
		case OutcomeUpstreamError == outcome:
			attrs := []any{"outcome", outcome, "error", err}
			var uerr *forwarder.UpstreamError
			if errors.As(err, &uerr) {
				attrs = append(attrs, "upstreamStatus", uerr.Status, "upstreamBody", uerr.Body)
			}
			log.Error("failed SecureUpload", attrs...)
		case status >= http.StatusInternalServerError:
			log.Error("failed SecureUpload", "outcome", outcome, "error", err)
		default:
			log.Debug("rejected SecureUpload", "outcome", outcome, "error", err)
		}
		transport.WriteJSON(w, status, body)
		return
	}
	log.Info(
		"processed secure upload",
		"keyId", req.KeyId,
		"matchedUserId", resp.Result.MatchedUserId,
		"isNew", resp.Result.IsNew,
		"authorized", resp.Permission.Authorized,
	)

	if err = transport.WriteJSON(w, http.StatusOK, resp); nil != err {
		log.Debug("failed delivering response", "error", err)
	}
}

func (self *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	log := observability.GetObservability(r.Context()).Log().With("handler", "rotateKey")

	resp, err := self.service.RotateKey(r.Context())
	if nil != err {
		transport.WriteError(w, http.StatusInternalServerError, "key rotation failed")
		log.Error("failed RotateKey", "error", err)
		return
	}
	log.Info("rotated server key")

	if err = transport.WriteJSON(w, http.StatusOK, resp); nil != err {
		log.Debug("failed delivering response", "error", err)
	}
}

// errorResponse returns the status and body reporting a SecureUpload error.
//
// Unknown and consumed keyId share one message. Cryptographic failures share
// another, whatever check failed.
func errorResponse(outcome Outcome, err error) (int, transport.ErrorBody) {
	switch outcome {
	case OutcomeInvalidRequest:
		return http.StatusBadRequest, transport.ErrorBody{Message: invalidRequestMessage(err)}
	case OutcomeUnknownKeyId:
		return http.StatusBadRequest, transport.ErrorBody{Message: "invalid or expired keyId"}
	case OutcomeExpired:
		return http.StatusBadRequest, transport.ErrorBody{Message: "handshake expired"}
	case OutcomeDecryptionFailed:
		return http.StatusBadRequest, transport.ErrorBody{Message: "decryption failed"}
	case OutcomeUpstreamTimeout:
		return http.StatusGatewayTimeout, transport.ErrorBody{Message: "Algorithm service timeout"}
	case OutcomeUpstreamError:
		body := transport.ErrorBody{Message: "Algorithm service error"}
		var uerr *forwarder.UpstreamError
		switch {
		case errors.As(err, &uerr):
			body.Details = fmt.Sprintf("upstream status %d", uerr.Status)
		case errors.Is(err, forwarder.ErrUpstreamUnavailable):
			body.Details = "upstream unavailable"
		case errors.Is(err, forwarder.ErrMalformedUpstreamResponse):
			body.Details = "malformed upstream response"
		}
		return http.StatusBadGateway, body
	default:
		if errors.Is(err, permission.Error) {
			return http.StatusInternalServerError, transport.ErrorBody{Message: "DB error"}
		}
		return http.StatusInternalServerError, transport.ErrorBody{Message: "internal error"}
	}
}

func invalidRequestMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingKeyId):
		return "keyId is required for secure upload"
	case errors.Is(err, ErrInvalidEncoding):
		return "invalid secure payload: fields must be base64"
	case errors.Is(err, secchan.ErrInvalidIV):
		return "invalid IV length (must be 12 bytes)"
	case errors.Is(err, secchan.ErrCiphertextTooShort):
		return "ciphertext too short"
	case errors.Is(err, ErrInvalidClientKey), errors.Is(err, secchan.ErrInvalidPublicKey):
		return "invalid client public key"
	default:
		return "invalid secure payload: missing required fields"
	}
}
