// Package httpkit holds the HTTP plumbing shared by every handler: strict
// JSON decoding with a bounded body, envelope-shaped responses and CORS.
package httpkit

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxBodyBytes bounds request bodies. Render scripts are text; anything
// larger than this is not a legitimate submission.
const maxBodyBytes = 1 << 20

// ErrorEnvelope is the error shape every non-2xx response carries.
type ErrorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// DecodeJSON reads one JSON document from the request body into v. Unknown
// fields, trailing data and oversized bodies are all rejected.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after json document")
	}
	return nil
}

// WriteJSON writes body as the JSON response. A nil body sends the status
// line alone.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteErr writes an ErrorEnvelope response.
func WriteErr(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	var env ErrorEnvelope
	env.Error.Code = code
	env.Error.Message = msg
	env.Error.Details = details
	WriteJSON(w, status, env)
}
