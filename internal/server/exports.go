package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/MaxtuneLee/webcodecs-container/internal/export"
	"github.com/MaxtuneLee/webcodecs-container/internal/keying"
	"github.com/MaxtuneLee/webcodecs-container/internal/mux"
)

func (s *ExportServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	active := len(s.exports)
	s.mu.RUnlock()

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime":         time.Since(s.startTime).Round(time.Second).String(),
		"active_exports": active,
	})
}

func (s *ExportServer) handleListExports(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.exports))
	for id := range s.exports {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	list := make([]exportInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := s.info(id); ok {
			list = append(list, info)
		}
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"exports": list,
		"count":   len(list),
	})
}

func (s *ExportServer) handleCancelExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.cancel(id) {
		RespondJSON(w, http.StatusNotFound, map[string]string{"error": "export not found"})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (s *ExportServer) keyingDefaults() keying.Config {
	if s.options.Keying == (keying.Config{}) {
		return keying.DefaultConfig()
	}
	return s.options.Keying
}

// handleCreateExport runs an export from a multipart upload with "base" and
// "effect" files and streams the resulting MP4 as it is produced.
func (s *ExportServer) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form: " + err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	base, err := formFile(r, "base")
	if err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	effect, err := formFile(r, "effect")
	if err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	keyCfg, err := keyingFromValues(s.keyingDefaults(), r.FormValue)
	if err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	opts := s.options
	opts.Keying = keyCfg
	opts.Logger = s.logger.With("export_id", id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.register(id, "http", cancel)

	out := &streamWriter{w: w, id: id}
	err = export.New(opts).StreamWithSession(ctx, export.Input{Base: base, Effect: effect}, out,
		func(session *mux.Session) {
			s.attach(id, session)
		})
	s.unregister(id)

	if err != nil {
		if !out.started {
			w.Header().Set("X-Export-Id", id)
			RespondJSON(w, errorStatus(err), map[string]string{"id": id, "error": err.Error()})
			return
		}
		// Headers are gone; aborting the connection tells the client the
		// body is incomplete.
		s.logger.Error("Export failed mid-stream", "export_id", id, "error", err)
		panic(http.ErrAbortHandler)
	}
}

// streamWriter sends response headers on the first write and flushes every
// write to the client.
type streamWriter struct {
	w       http.ResponseWriter
	id      string
	started bool
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	if !sw.started {
		sw.started = true
		sw.w.Header().Set("Content-Type", "video/mp4")
		sw.w.Header().Set("X-Export-Id", sw.id)
		sw.w.WriteHeader(http.StatusOK)
	}
	n, err := sw.w.Write(p)
	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

func formFile(r *http.Request, field string) (io.ReadSeeker, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, errors.Wrapf(err, "missing %q file", field)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", field)
	}
	return bytes.NewReader(data), nil
}
