package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/kvanite/squish/metrics"
	"github.com/kvanite/squish/transcode"
	"github.com/kvanite/squish/utils"
)

// allowedUploadExtensions is the set of media extensions accepted for
// upload. This is a cheap first gate; the spooled file is also sniffed.
var allowedUploadExtensions = map[string]struct{}{
	".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".wmv": {},
	".flv": {}, ".webm": {}, ".m4v": {}, ".3gp": {}, ".ogv": {},
}

// multipartSlackBytes covers form boundaries and the options field on top
// of the media cap when bounding the request body.
const multipartSlackBytes = 1024 * 1024

const (
	codeFileValidation = "FILE_VALIDATION_ERROR"
	codeStorage        = "STORAGE_ERROR"
)

type compressionOptions struct {
	FFmpegArgs   []string `json:"ffmpeg_args"`
	OutputFormat string   `json:"output_format"`
}

type fileInfo struct {
	OriginalSize     int64    `json:"original_size"`
	CompressedSize   int64    `json:"compressed_size"`
	CompressionRatio float64  `json:"compression_ratio"`
	Duration         *float64 `json:"duration,omitempty"`
	OriginalFormat   *string  `json:"original_format,omitempty"`
}

type compressionResponse struct {
	Status         string    `json:"status"`
	DownloadURL    string    `json:"download_url"`
	ExpiresAt      time.Time `json:"expires_at"`
	ProcessingTime float64   `json:"processing_time"`
	FileInfo       fileInfo  `json:"file_info"`
}

type errorResponse struct {
	Status    string         `json:"status"`
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"version": Version,
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := utils.GetLogFromContext(ctx, s.log)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartSlackBytes)

	options := compressionOptions{OutputFormat: "mp4"}
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &options); err != nil {
			writeError(w, http.StatusBadRequest, string(transcode.KindValidation), "invalid JSON in options", nil)
			return
		}
	}

	if len(options.FFmpegArgs) > transcode.MaxRawArgs {
		writeError(w, http.StatusBadRequest, string(transcode.KindValidation),
			fmt.Sprintf("too many ffmpeg arguments (max %d)", transcode.MaxRawArgs), nil)
		return
	}
	if !transcode.AllowedOutputFormat(options.OutputFormat) {
		writeError(w, http.StatusBadRequest, string(transcode.KindValidation),
			fmt.Sprintf("output format not allowed: %s", options.OutputFormat), nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, codeFileValidation,
				fmt.Sprintf("file too large (max %d bytes)", s.maxUploadBytes), nil)
			return
		}
		writeError(w, http.StatusBadRequest, codeFileValidation, "file field is required", nil)
		return
	}
	defer file.Close()

	extension := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := allowedUploadExtensions[extension]; !ok {
		writeError(w, http.StatusBadRequest, codeFileValidation,
			fmt.Sprintf("file extension not allowed: %s", extension), nil)
		return
	}

	inputPath, originalSize, err := s.spoolUpload(file, extension)
	if err != nil {
		if errors.Is(err, utils.ErrIOLimitReached) {
			writeError(w, http.StatusRequestEntityTooLarge, codeFileValidation,
				fmt.Sprintf("file too large (max %d bytes)", s.maxUploadBytes), nil)
			return
		}
		log.With(zap.Error(err)).Error("spooling upload")
		writeError(w, http.StatusInternalServerError, codeFileValidation, "failed to save uploaded file", nil)
		return
	}
	defer os.Remove(inputPath)

	sniffed, err := mimetype.DetectFile(inputPath)
	if err != nil || !strings.HasPrefix(sniffed.String(), "video/") {
		detected := "unknown"
		if err == nil {
			detected = sniffed.String()
		}
		writeError(w, http.StatusBadRequest, codeFileValidation,
			fmt.Sprintf("invalid video file type: %s", detected), nil)
		return
	}

	metrics.CompressionInputBytes.Observe(float64(originalSize))

	result, err := s.pipeline.Compress(ctx, inputPath, options.FFmpegArgs, options.OutputFormat)
	if err != nil {
		s.writeCompressionError(w, log, err)
		return
	}
	defer os.Remove(result.OutputPath)

	metrics.CompressionsTotal.WithLabelValues("success").Inc()
	metrics.CompressionDuration.Observe(result.Elapsed.Seconds())

	contentType := "video/" + options.OutputFormat
	downloadURL, expiresAt, err := s.store.UploadAndSign(ctx, result.OutputPath, contentType)
	if err != nil {
		log.With(zap.Error(err)).Error("uploading artifact")
		writeError(w, http.StatusInternalServerError, codeStorage, "failed to store compressed file", nil)
		return
	}

	compressedSize := result.OutputInfo.SizeBytes
	ratio := 0.0
	if originalSize > 0 {
		ratio = float64(compressedSize) / float64(originalSize)
	}

	writeJSON(w, http.StatusOK, compressionResponse{
		Status:         "success",
		DownloadURL:    downloadURL,
		ExpiresAt:      expiresAt,
		ProcessingTime: result.Elapsed.Seconds(),
		FileInfo: fileInfo{
			OriginalSize:     originalSize,
			CompressedSize:   compressedSize,
			CompressionRatio: ratio,
			Duration:         result.InputInfo.Duration,
			OriginalFormat:   result.InputInfo.Format,
		},
	})
}

// spoolUpload copies the multipart part to a unique temp file, enforcing
// the upload cap while copying. The caller owns the returned path.
func (s *Server) spoolUpload(file io.Reader, extension string) (string, int64, error) {
	tmp, err := os.CreateTemp(s.tempDir, "upload_*"+extension)
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}

	written, err := utils.CopyLimit(tmp, file, s.maxUploadBytes)
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	if closeErr != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("closing temp file: %w", closeErr)
	}

	return tmp.Name(), written, nil
}

func (s *Server) writeCompressionError(w http.ResponseWriter, log *zap.Logger, err error) {
	kind := transcode.KindOf(err)
	metrics.CompressionsTotal.WithLabelValues(statusLabel(kind)).Inc()

	var te *transcode.Error
	if !errors.As(err, &te) {
		log.With(zap.Error(err)).Error("compression failed")
		writeError(w, http.StatusInternalServerError, "COMPRESSION_ERROR", "unexpected error", nil)
		return
	}

	var details map[string]any
	status := http.StatusInternalServerError

	switch kind {
	case transcode.KindValidation:
		status = http.StatusBadRequest
		if te.Token != "" {
			details = map[string]any{"token": te.Token}
		}
	case transcode.KindTimeout:
		status = http.StatusRequestTimeout
	case transcode.KindExecution:
		status = http.StatusUnprocessableEntity
		// Raw transcoder stderr helps callers debug their arguments. It is
		// opaque text, not structured data.
		details = map[string]any{
			"exit_code": te.ExitCode,
			"stderr":    te.Stderr,
		}
	case transcode.KindToolNotFound:
		log.With(zap.Error(err)).Error("transcoder binary missing")
	}

	writeError(w, status, string(kind), te.Message, details)
}

func statusLabel(kind transcode.Kind) string {
	switch kind {
	case transcode.KindValidation:
		return "rejected"
	case transcode.KindTimeout:
		return "timeout"
	case transcode.KindExecution:
		return "failed"
	case transcode.KindToolNotFound:
		return "tool_missing"
	default:
		return "error"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		Details:   details,
	})
}
