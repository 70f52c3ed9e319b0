package internal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"chatline/internal/errs"
)

// multipart framing on top of the file itself
const multipartOverhead = 64 * 1024

// UploadedImage is returned to the uploader; ImageRef goes into a send request.
type UploadedImage struct {
	ImageRef  string `json:"image_ref"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size"`
	SHA256    string `json:"sha256"`
}

// FileUploadHandler stores image attachments on disk under opaque refs.
type FileUploadHandler struct {
	uploadDir   string
	maxFileSize int64
	metrics     *Metrics
	log         *slog.Logger
}

// NewFileUploadHandler serves uploads from uploadDir. metrics may be nil.
func NewFileUploadHandler(uploadDir string, maxFileSize int64, metrics *Metrics, log *slog.Logger) *FileUploadHandler {
	return &FileUploadHandler{
		uploadDir:   uploadDir,
		maxFileSize: maxFileSize,
		metrics:     metrics,
		log:         log,
	}
}

func (h *FileUploadHandler) fail(w http.ResponseWriter, err error) {
	writeFailure(w, err, h.metrics, h.log)
}

// HandleUpload accepts a multipart "file" field holding an image.
func (h *FileUploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxFileSize); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.fail(w, h.tooLarge())
		} else {
			h.fail(w, fmt.Errorf("%w: %v", errs.ErrBadRequest, err))
		}
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, fmt.Errorf("%w: no file provided", errs.ErrValidation))
		return
	}
	defer file.Close()
	if header.Size > h.maxFileSize {
		h.fail(w, h.tooLarge())
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxFileSize+1))
	if err != nil {
		h.fail(w, fmt.Errorf("%w: failed to read file: %v", errs.ErrBadRequest, err))
		return
	}
	if int64(len(data)) > h.maxFileSize {
		h.fail(w, h.tooLarge())
		return
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		h.fail(w, fmt.Errorf("%w: only images are accepted, got %s", errs.ErrUnsupportedMedia, mtype.String()))
		return
	}

	ref := uuid.NewString() + mtype.Extension()
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		h.fail(w, fmt.Errorf("failed to create upload directory: %w", err))
		return
	}
	digest, err := h.save(ref, data)
	if err != nil {
		h.fail(w, fmt.Errorf("failed to save file: %w", err))
		return
	}
	h.log.Info("Image uploaded", "user_id", userID, "image_ref", ref, "size", len(data))

	writeJSON(w, http.StatusCreated, UploadedImage{
		ImageRef:  ref,
		MimeType:  mtype.String(),
		SizeBytes: int64(len(data)),
		SHA256:    digest,
	})
}

// HandleDownload serves /api/files/{ref}.
func (h *FileUploadHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	ref := strings.TrimPrefix(r.URL.Path, "/api/files/")
	if !validImageRef(ref) {
		h.fail(w, fmt.Errorf("%w: file not found", errs.ErrNotFound))
		return
	}
	file, err := os.Open(filepath.Join(h.uploadDir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			h.fail(w, fmt.Errorf("%w: file not found", errs.ErrNotFound))
		} else {
			h.fail(w, err)
		}
		return
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", ref))
	http.ServeContent(w, r, ref, stat.ModTime(), file)
}

func (h *FileUploadHandler) tooLarge() error {
	return fmt.Errorf("%w: files are limited to %d bytes", errs.ErrTooLarge, h.maxFileSize)
}

// Exists reports whether ref names a stored image.
func (h *FileUploadHandler) Exists(ref string) bool {
	if !validImageRef(ref) {
		return false
	}
	_, err := os.Stat(filepath.Join(h.uploadDir, ref))
	return err == nil
}

func (h *FileUploadHandler) save(ref string, data []byte) (string, error) {
	final := filepath.Join(h.uploadDir, ref)
	tmp := final + ".part"
	dest, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dest, hasher), bytes.NewReader(data)); err != nil {
		_ = dest.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := dest.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// validImageRef accepts "<uuid><.ext>" and nothing that could escape the
// upload directory.
func validImageRef(ref string) bool {
	ext := filepath.Ext(ref)
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ref, `/\`) {
		return false
	}
	_, err := uuid.Parse(strings.TrimSuffix(ref, ext))
	return err == nil
}
