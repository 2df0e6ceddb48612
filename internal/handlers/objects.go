package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	uperr "github.com/bleepstore/bleepupload/internal/errors"
	"github.com/bleepstore/bleepupload/internal/logging"
	"github.com/bleepstore/bleepupload/internal/storage"
)

// ObjectHandler serves committed objects for download.
type ObjectHandler struct {
	store  storage.StorageBackend
	prefix string
}

// NewObjectHandler creates an ObjectHandler whose routes live under prefix.
func NewObjectHandler(store storage.StorageBackend, prefix string) *ObjectHandler {
	return &ObjectHandler{store: store, prefix: prefix}
}

// Get handles GET and HEAD on prefix+key, streaming the object body.
func (h *ObjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := trimPrefixPath(r, h.prefix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if reason := storage.ValidateKey(key); reason != "" {
		writeError(w, r, uperr.Validation("key", reason))
		return
	}

	rc, size, err := h.store.GetObject(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			writeError(w, r, uperr.NotFoundf("object %s not found", key))
			return
		}
		writeError(w, r, uperr.Store("reading object failed", err))
		return
	}
	defer rc.Close()

	ct := mime.TypeByExtension(path.Ext(key))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		logging.FromContext(r.Context()).Warn("object download interrupted", "key", key, "error", err)
	}
}
