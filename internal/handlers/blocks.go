package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/bleepstore/bleepupload/internal/blocks"
	uperr "github.com/bleepstore/bleepupload/internal/errors"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// formOverhead is the slack allowed on top of the block size for the
// multipart envelope and the other form fields.
const formOverhead = 1 << 20

// maxCommitBody caps a commit request body. 50,000 ids of 1 KiB each plus
// JSON punctuation.
const maxCommitBody = 64 << 20

// BlockHandler serves the stage and commit operations of the block
// protocol.
type BlockHandler struct {
	stager       *blocks.Stager
	assembler    *blocks.Assembler
	maxBlockSize int64
}

// NewBlockHandler creates a BlockHandler.
func NewBlockHandler(stager *blocks.Stager, assembler *blocks.Assembler, maxBlockSize int64) *BlockHandler {
	return &BlockHandler{stager: stager, assembler: assembler, maxBlockSize: maxBlockSize}
}

// Stage handles POST /api/stage/ with a multipart form carrying filename,
// block_id and file.
func (h *BlockHandler) Stage(w http.ResponseWriter, r *http.Request) {
	if h.maxBlockSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBlockSize+formOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, uperr.TooLargef("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, r, uperr.Validationf("malformed form body: %v", err))
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	req := blocks.StageRequest{
		ObjectKey: r.FormValue("filename"),
		BlockID:   r.FormValue("block_id"),
	}
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		req.Payload = file
		req.Size = header.Size
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		writeError(w, r, uperr.Validationf("reading file part: %v", err))
		return
	}

	if err := h.stager.Stage(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageBody{
		Message: fmt.Sprintf("Block %s staged successfully", req.BlockID),
	})
}

// Commit handles POST /api/commit/ with {"filename": ..., "block_ids": [...]}
// as JSON or as a form.
func (h *BlockHandler) Commit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCommitBody)

	var (
		req blocks.CommitRequest
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		req, err = parseCommitForm(r)
	default:
		req, err = parseCommitJSON(r.Body)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.assembler.Commit(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageBody{Message: "File uploaded successfully"})
}

func parseCommitForm(r *http.Request) (blocks.CommitRequest, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return blocks.CommitRequest{}, uperr.Validationf("malformed form body: %v", err)
	}
	req := blocks.CommitRequest{ObjectKey: r.PostFormValue("filename")}
	if ids, ok := r.PostForm["block_ids"]; ok {
		req.BlockIDs = ids
	}
	return req, nil
}

// parseCommitJSON decodes the body field by field so type mismatches are
// reported per field instead of as one decode error.
func parseCommitJSON(body io.Reader) (blocks.CommitRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return blocks.CommitRequest{}, uperr.TooLargef("request body exceeds %d bytes", tooLarge.Limit)
		}
		return blocks.CommitRequest{}, uperr.Validationf("JSON parse error - %v", err)
	}

	var req blocks.CommitRequest
	fe := uperr.FieldErrors{}

	if v, ok := raw["filename"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &req.ObjectKey); err != nil {
			fe.Add("filename", "Not a valid string.")
		}
	}

	if v, ok := raw["block_ids"]; ok && string(v) != "null" {
		var items []json.RawMessage
		if err := json.Unmarshal(v, &items); err != nil {
			fe.Add("block_ids", "Expected a list of items.")
		} else {
			req.BlockIDs = make([]string, len(items))
			for i, item := range items {
				if err := json.Unmarshal(item, &req.BlockIDs[i]); err != nil {
					fe.Add("block_ids", fmt.Sprintf("Item %d: Not a valid string.", i))
				}
			}
		}
	}

	if err := fe.Err(); err != nil {
		return blocks.CommitRequest{}, err
	}
	return req, nil
}
