package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/firmware"
)

// sizeHeader lets clients declare the image size when the body is multipart
// and Content-Length covers the whole form.
const sizeHeader = "X-Update-Size"

const completeTimeout = 5 * time.Second

// handleUpdate streams the request body to the updater in fixed-size chunks
// and answers OK or FAIL once the final chunk has been applied. The upload is
// completed only after the response is flushed, so a reboot can never cut
// the response short.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, filename, err := uploadBody(r)
	if err != nil {
		s.log.Warn("update rejected", "err", err)
		writeResult(w, http.StatusBadRequest, domain.OutcomeFail)
		return
	}
	total := declaredSize(r)
	s.log.Debug("update request", "filename", filename, "total", total, "remote", r.RemoteAddr)

	up := s.updater.NewUpload(filename, total)
	step, err := s.stream(r.Context(), up, body)
	switch {
	case errors.Is(err, domain.ErrUpdateBusy):
		s.log.Warn("update rejected", "err", err)
		writeResult(w, http.StatusConflict, domain.OutcomeFail)
		return
	case err != nil:
		s.log.Warn("update stream failed", "err", err)
		ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
		up.Abort(ctx, err)
		cancel()
		writeResult(w, http.StatusOK, domain.OutcomeFail)
		return
	}

	writeResult(w, http.StatusOK, step.Result())

	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()
	if err := up.Complete(ctx); err != nil {
		s.log.Warn("complete update failed", "err", err)
	}
}

// stream reads body in chunkSize pieces. A one-byte peek after each full
// piece tells whether it is the last one, so the final flag always rides on
// a chunk that carries data unless the body is empty.
func (s *Server) stream(ctx context.Context, up *firmware.Upload, body io.Reader) (firmware.Step, error) {
	br := bufio.NewReaderSize(body, s.chunkSize)
	buf := make([]byte, s.chunkSize)
	var offset int64
	for {
		n, err := io.ReadFull(br, buf)
		final := false
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			final = true
		case err != nil:
			return firmware.Step{}, fmt.Errorf("read body at %d: %w", offset, err)
		default:
			if _, perr := br.Peek(1); errors.Is(perr, io.EOF) {
				final = true
			} else if perr != nil {
				return firmware.Step{}, fmt.Errorf("read body at %d: %w", offset+int64(n), perr)
			}
		}

		step, err := up.Write(ctx, domain.Chunk{Offset: offset, Data: buf[:n], Final: final})
		if err != nil {
			return step, err
		}
		offset += int64(n)
		if final {
			return step, nil
		}
	}
}

// uploadBody returns the image stream: the first file part of a multipart
// form, or the raw body otherwise.
func uploadBody(r *http.Request) (io.Reader, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, "", nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", errors.New("multipart form has no file part")
		}
		if err != nil {
			return nil, "", err
		}
		if part.FileName() != "" {
			return part, part.FileName(), nil
		}
		_ = part.Close()
	}
}

func declaredSize(r *http.Request) int64 {
	if v := strings.TrimSpace(r.Header.Get(sizeHeader)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" && r.ContentLength > 0 {
		return r.ContentLength
	}
	return 0
}

func writeResult(w http.ResponseWriter, status int, body string) {
	h := w.Header()
	h.Set("Content-Type", "text/plain")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Connection", "close")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
