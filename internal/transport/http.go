package transport

import (
	"io"
	"net/http"
)

var jsonSrz = WrapInSafeSerializer(JSONSerializer{})

// ErrorBody is the JSON body of error responses.
type ErrorBody struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ReadJSON decodes the request body in dst, reading at most maxBytes.
// dst is validated if it is a Checker.
func ReadJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if nil != err {
		return wrapError(ErrSerialization, "failed reading request body, %v", err)
	}
	return jsonSrz.Unmarshal(body, dst)
}

// WriteJSON sends v as a JSON response with status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	srzmsg, err := jsonSrz.Marshal(v)
	if nil != err {
		http.Error(w, "failed serializing response", http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(srzmsg)
	return err
}

// WriteError sends an ErrorBody with status.
func WriteError(w http.ResponseWriter, status int, message string) error {
	return WriteJSON(w, status, ErrorBody{Message: message})
}
