package permission

import (
	"encoding/json"
	"net/http"
	"strconv"

	"code.savanna.org/golang/internal/observability"
	"code.savanna.org/golang/internal/transport"
)

// RegisterPath is the path the RegisterHandler is served at.
const RegisterPath = "/admin/register"

const maxRegisterBodyBytes = 64 << 10

// Flag is a JSON boolean that also accepts numbers, 0 meaning false.
type Flag bool

func (self *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); nil == err {
		*self = Flag(b)
		return nil
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if nil != err {
		return newError("invalid flag %s", data)
	}
	*self = Flag(0 != n)
	return nil
}

// RegisterRequest is the body of register requests.
type RegisterRequest struct {
	UniqueId string          `json:"uniqueId"`
	Allowed  Flag            `json:"allowed"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

// RegisterResponse is the body of successful register responses.
type RegisterResponse struct {
	Message  string `json:"message"`
	UniqueId string `json:"uniqueId"`
	Allowed  bool   `json:"allowed"`
}

// RegisterHandler serves Gate.Register over HTTP.
type RegisterHandler struct {
	gate *Gate
}

// NewRegisterHandler returns a RegisterHandler. It errors if gate is nil.
func NewRegisterHandler(gate *Gate) (*RegisterHandler, error) {
	if nil == gate {
		return nil, newError("nil gate")
	}
	return &RegisterHandler{gate: gate}, nil
}

// ServeHTTP registers the permission posted as a RegisterRequest.
func (self *RegisterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var errmsg string
	log := observability.GetObservability(r.Context()).Log().With("handler", "admin-register")

	var req RegisterRequest
	if err := transport.ReadJSON(w, r, maxRegisterBodyBytes, &req); nil != err {
		errmsg = "invalid request body"
		transport.WriteError(w, http.StatusBadRequest, errmsg)
		log.Debug(errmsg, "error", err)
		return
	}
	if "" == req.UniqueId {
		errmsg = "uniqueId required"
		transport.WriteError(w, http.StatusBadRequest, errmsg)
		log.Debug(errmsg)
		return
	}
	if "null" == string(req.Meta) {
		req.Meta = nil
	}

	if err := self.gate.Register(r.Context(), req.UniqueId, bool(req.Allowed), req.Meta); nil != err {
		transport.WriteError(w, http.StatusInternalServerError, "DB error")
		log.Error("failed Register", "uniqueId", req.UniqueId, "error", err)
		return
	}
	log.Info("registered permission", "uniqueId", req.UniqueId, "allowed", bool(req.Allowed))

	transport.WriteJSON(w, http.StatusOK, RegisterResponse{
		Message:  "registered",
		UniqueId: req.UniqueId,
		Allowed:  bool(req.Allowed),
	})
}
