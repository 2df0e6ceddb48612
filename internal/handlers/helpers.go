// Package handlers implements the HTTP handlers of the upload API: the
// block stage and commit operations, the tus resumable endpoint, and
// object download.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	uperr "github.com/bleepstore/bleepupload/internal/errors"
	"github.com/bleepstore/bleepupload/internal/logging"
)

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// messageBody is the success body of the block operations.
type messageBody struct {
	Message string `json:"message"`
}

// errorBody is the failure body for non-field errors.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError renders err as JSON. Validation errors with field detail are
// rendered as {"field": ["message", ...]}; everything else as
// {"error": "...", "code": "..."}.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ue := uperr.Classify(err)
	status := ue.Kind.HTTPStatus()

	if ue.Kind == uperr.KindStore {
		logging.FromContext(r.Context()).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	if ue.Kind == uperr.KindValidation && len(ue.Fields) > 0 {
		writeJSON(w, status, ue.Fields)
		return
	}

	body := errorBody{Error: ue.Detail()}
	if ue.Kind == uperr.KindStore && ue.Err != nil {
		// Store causes are opaque; surface them for diagnostics.
		body.Error = ue.Err.Error()
		if ue.Message != "" {
			body.Error = ue.Message + ": " + body.Error
		}
	}
	if ue.Kind != uperr.KindValidation {
		body.Code = ue.Kind.String()
	}
	writeJSON(w, status, body)
}

// trimPrefixPath returns the part of r's path after prefix, or false if
// the path does not start with prefix.
func trimPrefixPath(r *http.Request, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(r.URL.Path, prefix)
	return rest, ok
}
