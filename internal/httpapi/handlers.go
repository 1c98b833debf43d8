package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/fmueller/voxserve/internal/pipeline"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusClientClosedRequest is the nginx convention for a caller that went
// away before the response was written.
const StatusClientClosedRequest = 499

type TranscriptionResponse struct {
	Text       string `json:"text"`
	ModelUsed  string `json:"model_used"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
}

type ErrorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

type handlers struct {
	opts   Options
	logger *zap.Logger
}

func (h *handlers) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "voxserve is live", "version": version.Current()})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) ready(c *gin.Context) {
	if h.opts.Ready != nil {
		if err := h.opts.Ready(); err != nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *handlers) tiers(c *gin.Context) {
	var out []TierStatus
	if h.opts.Tiers != nil {
		out = h.opts.Tiers()
	}
	c.JSON(http.StatusOK, gin.H{"tiers": out})
}

func (h *handlers) transcribe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+multipartOverhead)

	header, err := c.FormFile("file")
	if err != nil {
		h.writeError(c, uploadError(err))
		return
	}
	if header.Size > h.opts.MaxUploadBytes {
		h.writeError(c, &pipeline.Error{Kind: pipeline.KindTooLarge, Op: "upload", Message: pipeline.KindTooLarge.PublicMessage()})
		return
	}

	raw, err := readUpload(header, h.opts.MaxUploadBytes)
	if err != nil {
		h.writeError(c, uploadError(err))
		return
	}

	req := pipeline.NewRequest(raw, header.Header.Get("Content-Type"), c.PostForm("language"), c.PostForm("model_tier"))
	if id := c.GetString(requestIDKey); id != "" {
		req.ID = id
	}

	result, err := h.opts.Transcriber.Transcribe(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, TranscriptionResponse{
		Text:       result.Text,
		ModelUsed:  string(result.Tier),
		Attempts:   result.Attempts,
		DurationMS: result.Elapsed.Milliseconds(),
	})
}

func readUpload(header *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, &pipeline.Error{Kind: pipeline.KindTooLarge, Op: "upload", Message: pipeline.KindTooLarge.PublicMessage()}
	}
	return raw, nil
}

func uploadError(err error) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, multipart.ErrMessageTooLarge):
		return &pipeline.Error{Kind: pipeline.KindTooLarge, Op: "upload", Message: pipeline.KindTooLarge.PublicMessage(), Cause: err}
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		return &pipeline.Error{Kind: pipeline.KindInvalidRequest, Op: "upload", Message: "expected a multipart upload with a \"file\" field", Cause: err}
	default:
		var perr *pipeline.Error
		if errors.As(err, &perr) {
			return perr
		}
		return &pipeline.Error{Kind: pipeline.KindInvalidRequest, Op: "upload", Message: "upload could not be read", Cause: err}
	}
}

func (h *handlers) writeError(c *gin.Context, err error) {
	kind := pipeline.KindOf(err)
	message := kind.PublicMessage()
	var perr *pipeline.Error
	if errors.As(err, &perr) && kind.Class() == pipeline.ClassClient && perr.Message != "" {
		message = perr.Message
	}

	status := StatusFor(kind)
	if kind == pipeline.KindBackpressure {
		c.Header("Retry-After", strconv.Itoa(max(1, int(h.opts.RetryAfter.Seconds()))))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("transcription request failed", zap.String(requestIDKey, c.GetString(requestIDKey)), zap.String("error_kind", string(kind)), zap.Error(err))
	}

	c.AbortWithStatusJSON(status, ErrorResponse{ErrorKind: string(kind), Message: message})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindEmptyAudio, pipeline.KindDecodeFailure, pipeline.KindInvalidRequest:
		return http.StatusBadRequest
	case pipeline.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case pipeline.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case pipeline.KindBackpressure, pipeline.KindTierUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.KindEngineFailure:
		return http.StatusBadGateway
	case pipeline.KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
