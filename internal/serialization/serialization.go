// Package serialization handles session export/import between any session
// store engine and a portable JSON document.
package serialization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bleepstore/bleepupload/internal/metadata"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// Envelope describes an export document.
type Envelope struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	Source     string `json:"source"`
	Engine     string `json:"engine,omitempty"`
}

// Document is the export file format.
type Document struct {
	Export   Envelope                 `json:"bleepupload_export"`
	Sessions []metadata.SessionRecord `json:"sessions"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	// States restricts the export to these states. Empty exports all.
	States []metadata.SessionState
	// Engine is recorded in the envelope.
	Engine string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace overwrites sessions that already exist in the target.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Imported int
	Replaced int
	Skipped  int
	Warnings []string
}

// Export writes the sessions of store to w as an indented JSON document.
func Export(ctx context.Context, store metadata.SessionStore, w io.Writer, opts *ExportOptions) error {
	if opts == nil {
		opts = &ExportOptions{}
	}

	var recs []metadata.SessionRecord
	if len(opts.States) == 0 {
		all, err := store.ListSessions(ctx, metadata.ListSessionsOptions{})
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		recs = all
	} else {
		for _, state := range opts.States {
			part, err := store.ListSessions(ctx, metadata.ListSessionsOptions{State: state})
			if err != nil {
				return fmt.Errorf("listing %s sessions: %w", state, err)
			}
			recs = append(recs, part...)
		}
	}
	if recs == nil {
		recs = []metadata.SessionRecord{}
	}

	doc := Document{
		Export: Envelope{
			Version:    ExportVersion,
			ExportedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			Source:     "go/" + Version,
			Engine:     opts.Engine,
		},
		Sessions: recs,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}
	return nil
}

// Import reads an export document from r into store. Invalid records are
// skipped with a warning rather than aborting the import.
func Import(ctx context.Context, store metadata.SessionStore, r io.Reader, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc.Export.Version < 1 || doc.Export.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", doc.Export.Version)
	}

	result := &ImportResult{}
	for i := range doc.Sessions {
		rec := &doc.Sessions[i]
		if reason := validate(rec); reason != "" {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped session %q: %s", rec.UploadID, reason))
			continue
		}

		err := store.CreateSession(ctx, rec)
		switch {
		case err == nil:
			result.Imported++
		case errors.Is(err, metadata.ErrSessionExists) && opts.Replace:
			if err := store.DeleteSession(ctx, rec.UploadID); err != nil {
				return result, fmt.Errorf("replacing session %s: %w", rec.UploadID, err)
			}
			if err := store.CreateSession(ctx, rec); err != nil {
				return result, fmt.Errorf("replacing session %s: %w", rec.UploadID, err)
			}
			result.Replaced++
		case errors.Is(err, metadata.ErrSessionExists):
			result.Skipped++
		default:
			return result, fmt.Errorf("importing session %s: %w", rec.UploadID, err)
		}
	}
	return result, nil
}

func validate(rec *metadata.SessionRecord) string {
	switch {
	case rec.UploadID == "":
		return "missing upload_id"
	case !rec.State.Valid():
		return fmt.Sprintf("unknown state %q", rec.State)
	case rec.Length < 0 || rec.Offset < 0 || rec.Offset > rec.Length:
		return fmt.Sprintf("offset %d outside length %d", rec.Offset, rec.Length)
	case rec.CreatedAt.IsZero():
		return "missing created_at"
	}
	return ""
}
