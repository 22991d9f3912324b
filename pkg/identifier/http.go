package identifier

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"code.savanna.org/golang/internal/observability"
	"code.savanna.org/golang/internal/transport"
)

// AnalyzePath is the path the AnalyzeHandler is served at.
const AnalyzePath = "/algorithm/analyze"

// DefaultMaxBodyBytes bounds analyze request bodies.
const DefaultMaxBodyBytes = 20 << 20

// Payload carries a sample, standard base64 encoded.
type Payload struct {
	Ciphertext string `json:"ciphertext"`
}

// AnalyzeRequest is the body of analyze requests.
type AnalyzeRequest struct {
	UserId  string   `json:"userId,omitempty"`
	Payload *Payload `json:"payload"`
}

// NewAnalyzeRequest wraps sample for the analyze endpoint.
func NewAnalyzeRequest(sample []byte, userId string) AnalyzeRequest {
	return AnalyzeRequest{
		UserId:  userId,
		Payload: &Payload{Ciphertext: base64.StdEncoding.EncodeToString(sample)},
	}
}

type serviceError struct {
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AnalyzeHandler serves Service.Analyze over HTTP.
type AnalyzeHandler struct {
	service      *Service
	maxBodyBytes int64
}

// NewAnalyzeHandler returns an AnalyzeHandler. maxBodyBytes <= 0 uses DefaultMaxBodyBytes.
// It errors if service is nil.
func NewAnalyzeHandler(service *Service, maxBodyBytes int64) (*AnalyzeHandler, error) {
	if nil == service {
		return nil, newError("nil service")
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &AnalyzeHandler{service: service, maxBodyBytes: maxBodyBytes}, nil
}

// ServeHTTP analyzes the sample posted as an AnalyzeRequest.
//
// It responds 400 if the payload is missing, not base64 or empty, and 500 if
// the identity could not be recorded.
func (self *AnalyzeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var errmsg string
	log := observability.GetObservability(r.Context()).Log().With("handler", "analyze")

	var req AnalyzeRequest
	if err := transport.ReadJSON(w, r, self.maxBodyBytes, &req); nil != err {
		errmsg = "invalid request body"
		transport.WriteError(w, http.StatusBadRequest, errmsg)
		log.Debug(errmsg, "error", err)
		return
	}
	if nil == req.Payload {
		errmsg = "Payload is required"
		transport.WriteError(w, http.StatusBadRequest, errmsg)
		log.Debug(errmsg)
		return
	}
	sample, err := base64.StdEncoding.DecodeString(req.Payload.Ciphertext)
	if nil != err {
		errmsg = "Invalid payload: ciphertext is not base64"
		transport.WriteError(w, http.StatusBadRequest, errmsg)
		log.Debug(errmsg)
		return
	}
	log.Info("received analysis request", "userId", req.UserId)

	result, err := self.service.Analyze(r.Context(), sample)
	switch {
	case errors.Is(err, ErrInvalidPayload):
		errmsg = "Invalid payload: empty or missing data"
		transport.WriteError(w, http.StatusBadRequest, errmsg)
		log.Debug(errmsg)
		return
	case nil != err:
		transport.WriteJSON(w, http.StatusInternalServerError, serviceError{
			Message:   "Algorithm service error",
			Error:     "failed recording identity",
			Timestamp: time.Now().UTC(),
		})
		log.Error("failed Analyze", "error", err)
		return
	}

	if err = transport.WriteJSON(w, http.StatusOK, result); nil != err {
		log.Debug("failed delivering response", "error", err)
	}
}
