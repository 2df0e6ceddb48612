package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"

	uperr "github.com/bleepstore/bleepupload/internal/errors"
	"github.com/bleepstore/bleepupload/internal/logging"
	"github.com/bleepstore/bleepupload/internal/metadata"
	"github.com/bleepstore/bleepupload/internal/resumable"
)

// tus 1.0 protocol constants.
const (
	TusVersion     = "1.0.0"
	TusExtensions  = "creation,termination,expiration"
	offsetMimeType = "application/offset+octet-stream"
)

// TusHeaders lists the tus headers browsers need to read and send across
// origins.
var TusHeaders = []string{
	"Location", "Tus-Resumable", "Tus-Version", "Tus-Extension", "Tus-Max-Size",
	"Upload-Offset", "Upload-Length", "Upload-Metadata", "Upload-Expires",
	"Upload-Defer-Length",
}

// TusHandler serves the tus resumable upload protocol under basePath.
type TusHandler struct {
	manager  *resumable.Manager
	basePath string
}

// NewTusHandler creates a TusHandler. basePath starts and ends with "/".
func NewTusHandler(manager *resumable.Manager, basePath string) *TusHandler {
	return &TusHandler{manager: manager, basePath: basePath}
}

// ServeHTTP dispatches on method and on whether the path names an upload.
func (h *TusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", TusVersion)

	rest, ok := trimPrefixPath(r, h.basePath)
	if !ok && r.URL.Path+"/" == h.basePath {
		rest, ok = "", true
	}
	if !ok || strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodOptions {
		h.options(w)
		return
	}
	if v := r.Header.Get("Tus-Resumable"); v != TusVersion {
		w.Header().Set("Tus-Version", TusVersion)
		http.Error(w, "unsupported tus version "+strconv.Quote(v), http.StatusPreconditionFailed)
		return
	}

	switch {
	case rest == "" && r.Method == http.MethodPost:
		h.create(w, r)
	case rest != "" && r.Method == http.MethodHead:
		h.head(w, r, rest)
	case rest != "" && r.Method == http.MethodPatch:
		h.patch(w, r, rest)
	case rest != "" && r.Method == http.MethodDelete:
		h.delete(w, r, rest)
	default:
		w.Header().Set("Allow", h.allow(rest))
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *TusHandler) allow(rest string) string {
	if rest == "" {
		return "OPTIONS, POST"
	}
	return "OPTIONS, HEAD, PATCH, DELETE"
}

func (h *TusHandler) options(w http.ResponseWriter) {
	w.Header().Set("Tus-Version", TusVersion)
	w.Header().Set("Tus-Extension", TusExtensions)
	if max := h.manager.Config().MaxSize; max > 0 {
		w.Header().Set("Tus-Max-Size", strconv.FormatInt(max, 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TusHandler) create(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upload-Defer-Length") != "" {
		tusError(w, r, uperr.Validationf("Upload-Defer-Length is not supported"))
		return
	}
	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil {
		tusError(w, r, uperr.Validationf("invalid or missing Upload-Length"))
		return
	}
	meta, err := ParseUploadMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		tusError(w, r, uperr.Validationf("invalid Upload-Metadata: %v", err))
		return
	}

	rec, err := h.manager.Create(r.Context(), resumable.CreateRequest{Length: length, Metadata: meta})
	if err != nil {
		tusError(w, r, err)
		return
	}

	w.Header().Set("Location", h.basePath+rec.UploadID)
	setExpires(w, rec)
	w.WriteHeader(http.StatusCreated)
}

func (h *TusHandler) head(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.manager.Status(r.Context(), id)
	if err == nil && rec.State == metadata.StateErrored {
		err = uperr.Gonef("upload %s failed: %s", id, rec.Failure)
	}
	if err != nil {
		tusError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Upload-Offset", strconv.FormatInt(rec.Offset, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(rec.Length, 10))
	if len(rec.Metadata) > 0 {
		w.Header().Set("Upload-Metadata", FormatUploadMetadata(rec.Metadata))
	}
	setExpires(w, rec)
	w.WriteHeader(http.StatusOK)
}

func (h *TusHandler) patch(w http.ResponseWriter, r *http.Request, id string) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != offsetMimeType {
		http.Error(w, "Content-Type must be "+offsetMimeType, http.StatusUnsupportedMediaType)
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		tusError(w, r, uperr.Validationf("invalid or missing Upload-Offset"))
		return
	}

	rec, err := h.manager.WriteChunk(r.Context(), id, offset, r.Body, r.ContentLength)
	if err != nil {
		tusError(w, r, err)
		return
	}

	w.Header().Set("Upload-Offset", strconv.FormatInt(rec.Offset, 10))
	setExpires(w, rec)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TusHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.manager.Abort(r.Context(), id); err != nil {
		tusError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func setExpires(w http.ResponseWriter, rec *metadata.SessionRecord) {
	if rec.State != metadata.StateComplete && !rec.ExpiresAt.IsZero() {
		w.Header().Set("Upload-Expires", rec.ExpiresAt.UTC().Format(http.TimeFormat))
	}
}

// tusError writes err as a plain-text tus response.
func tusError(w http.ResponseWriter, r *http.Request, err error) {
	ue := uperr.Classify(err)
	if ue.Kind == uperr.KindStore {
		logging.FromContext(r.Context()).Error("tus request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	http.Error(w, ue.Detail(), ue.Kind.HTTPStatus())
}

// ParseUploadMetadata decodes an Upload-Metadata header: comma-separated
// "key base64value" pairs, where the value may be omitted.
func ParseUploadMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}
	for _, pair := range strings.Split(header, ",") {
		key, encoded, _ := strings.Cut(strings.TrimSpace(pair), " ")
		if key == "" {
			return nil, errors.New("empty key")
		}
		if _, dup := meta[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		value, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		meta[key] = string(value)
	}
	return meta, nil
}

// FormatUploadMetadata encodes meta as an Upload-Metadata header with keys
// in sorted order.
func FormatUploadMetadata(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		if meta[k] == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(meta[k])))
	}
	return strings.Join(pairs, ",")
}
