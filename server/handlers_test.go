package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kvanite/squish/transcode"
)

// fakeFFmpeg writes a small artifact to its last argument and exits 0.
const fakeFFmpeg = `for last in "$@"; do :; done
printf smaller > "$last"
`

type stubStore struct {
	url       string
	expiresAt time.Time
	err       error

	gotPath        string
	gotContentType string
}

func (s *stubStore) UploadAndSign(ctx context.Context, localPath, contentType string) (string, time.Time, error) {
	s.gotPath = localPath
	s.gotContentType = contentType
	if s.err != nil {
		return "", time.Time{}, s.err
	}
	return s.url, s.expiresAt, nil
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestServer(t *testing.T, store ArtifactStore, ffmpegBody string, maxUploadBytes int64) *Server {
	t.Helper()
	pipeline := transcode.NewPipeline(zap.NewNop(),
		transcode.WithFFmpegBinary(writeScript(t, "ffmpeg", ffmpegBody)),
		transcode.WithFFprobeBinary("false"),
		transcode.WithTempDir(t.TempDir()),
		transcode.WithProcessingTimeout(time.Second*5),
	)
	return NewServer(ServerOptions{
		ParentLogger:   zap.NewNop(),
		Pipeline:       pipeline,
		Store:          store,
		Addr:           ":0",
		TempDir:        t.TempDir(),
		MaxUploadBytes: maxUploadBytes,
	})
}

// mp4Bytes returns a minimal ftyp box plus payload, enough for content
// sniffing to call it video/mp4.
func mp4Bytes(payload int) []byte {
	b := []byte{0x00, 0x00, 0x00, 0x20}
	b = append(b, []byte("ftypisom")...)
	b = append(b, 0x00, 0x00, 0x02, 0x00)
	b = append(b, []byte("isomiso2avc1mp41")...)
	return append(b, bytes.Repeat([]byte{0xab}, payload)...)
}

func multipartBody(t *testing.T, filename string, content []byte, options string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if options != "" {
		require.NoError(t, w.WriteField("options", options))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func doCompress(t *testing.T, s *Server, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/compress", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp["status"])
	assert.Equal(t, Version, resp["version"])
}

func TestCompressSuccess(t *testing.T) {
	expiresAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	store := &stubStore{url: "https://bucket.example/signed", expiresAt: expiresAt}
	s := newTestServer(t, store, fakeFFmpeg, 0)

	content := mp4Bytes(128)
	body, contentType := multipartBody(t, "clip.mp4", content,
		`{"ffmpeg_args":["-crf","23"],"output_format":"mp4"}`)

	rr := doCompress(t, s, body, contentType)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp compressionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, store.url, resp.DownloadURL)
	assert.Equal(t, int64(len(content)), resp.FileInfo.OriginalSize)
	assert.Equal(t, int64(len("smaller")), resp.FileInfo.CompressedSize)
	assert.Greater(t, resp.FileInfo.CompressionRatio, 0.0)
	assert.Equal(t, "video/mp4", store.gotContentType)
}

func TestCompressDefaultsOutputFormat(t *testing.T) {
	store := &stubStore{url: "u", expiresAt: time.Now()}
	s := newTestServer(t, store, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16), "")
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "video/mp4", store.gotContentType)
}

func TestCompressRejectsBadOptionsJSON(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16), `{"ffmpeg_args":`)
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_OPTIONS_ERROR", decodeError(t, rr).ErrorCode)
}

func TestCompressRejectsTooManyArgs(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	args := make([]string, transcode.MaxRawArgs+1)
	for i := range args {
		args[i] = "23"
	}
	options, err := json.Marshal(map[string]any{"ffmpeg_args": args, "output_format": "mp4"})
	require.NoError(t, err)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16), string(options))
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "too many ffmpeg arguments")
}

func TestCompressRejectsBadOutputFormat(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16), `{"output_format":"exe"}`)
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_OPTIONS_ERROR", decodeError(t, rr).ErrorCode)
}

func TestCompressRejectsForbiddenArgs(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16),
		`{"ffmpeg_args":["-i","/etc/passwd"],"output_format":"mp4"}`)
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, "INVALID_OPTIONS_ERROR", resp.ErrorCode)
	assert.Contains(t, resp.Message, "forbidden pattern")
	assert.Equal(t, "-i", resp.Details["token"])
}

func TestCompressValidationDetailsNameOffendingToken(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16),
		`{"ffmpeg_args":["-threads","4"],"output_format":"mp4"}`)
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, "INVALID_OPTIONS_ERROR", resp.ErrorCode)
	assert.Equal(t, "-threads", resp.Details["token"])
}

func TestCompressRequiresFile(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "", nil, `{"output_format":"mp4"}`)
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, codeFileValidation, decodeError(t, rr).ErrorCode)
}

func TestCompressRejectsBadExtension(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "notes.txt", mp4Bytes(16), "")
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, codeFileValidation, resp.ErrorCode)
	assert.Contains(t, resp.Message, "extension not allowed")
}

func TestCompressRejectsNonVideoContent(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "clip.mp4", []byte("plain text pretending"), "")
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr).Message, "invalid video file type")
}

func TestCompressUploadTooLarge(t *testing.T) {
	s := newTestServer(t, &stubStore{}, fakeFFmpeg, 64)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(256), "")
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, codeFileValidation, decodeError(t, rr).ErrorCode)
}

func TestCompressExecutionErrorMapsTo422(t *testing.T) {
	failing := `echo codec failure >&2
exit 2
`
	s := newTestServer(t, &stubStore{}, failing, 0)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16), "")
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	resp := decodeError(t, rr)
	assert.Equal(t, "FFMPEG_ERROR", resp.ErrorCode)
	assert.Equal(t, float64(2), resp.Details["exit_code"])
	assert.Contains(t, fmt.Sprint(resp.Details["stderr"]), "codec failure")
}

func TestCompressTimeoutMapsTo408(t *testing.T) {
	pipeline := transcode.NewPipeline(zap.NewNop(),
		transcode.WithFFmpegBinary(writeScript(t, "ffmpeg", "sleep 30\n")),
		transcode.WithFFprobeBinary("false"),
		transcode.WithTempDir(t.TempDir()),
		transcode.WithProcessingTimeout(time.Millisecond*300),
	)
	s := NewServer(ServerOptions{
		ParentLogger: zap.NewNop(),
		Pipeline:     pipeline,
		Store:        &stubStore{},
		TempDir:      t.TempDir(),
	})

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16), "")
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusRequestTimeout, rr.Code)
	assert.Equal(t, "PROCESSING_TIMEOUT", decodeError(t, rr).ErrorCode)
}

func TestCompressStorageErrorMapsTo500(t *testing.T) {
	store := &stubStore{err: errors.New("bucket unavailable")}
	s := newTestServer(t, store, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16), "")
	rr := doCompress(t, s, body, contentType)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, codeStorage, decodeError(t, rr).ErrorCode)
}

func TestCompressCleansTempFiles(t *testing.T) {
	store := &stubStore{url: "u", expiresAt: time.Now()}
	s := newTestServer(t, store, fakeFFmpeg, 0)

	body, contentType := multipartBody(t, "clip.mp4", mp4Bytes(16), "")
	rr := doCompress(t, s, body, contentType)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	uploads, err := filepath.Glob(filepath.Join(s.tempDir, "upload_*"))
	require.NoError(t, err)
	assert.Empty(t, uploads)

	// The uploaded artifact path must be gone once the handler returns.
	_, statErr := os.Stat(store.gotPath)
	assert.True(t, os.IsNotExist(statErr))
}
