package speech

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-coach/backend/internal/model/speech"
)

type mockSpeechService struct {
	transcript speech.Transcript
	synthesis  speech.Synthesis
	err        error
	lastASR    speech.TranscribeRequest
}

func (m *mockSpeechService) Transcribe(_ context.Context, req speech.TranscribeRequest) (speech.Transcript, error) {
	m.lastASR = req
	return m.transcript, m.err
}

func (m *mockSpeechService) Synthesize(context.Context, speech.SynthesizeRequest) (speech.Synthesis, error) {
	return m.synthesis, m.err
}

func setupRouter(svc SpeechService) *chi.Mux {
	r := chi.NewRouter()
	New(svc).RegisterRoutes(r)
	return r
}

func multipartAudio(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("audio", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("language", "en-US"))
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestTranscribe(t *testing.T) {
	svc := &mockSpeechService{transcript: speech.Transcript{Text: "hello", DurationMs: 900}}
	body, ct := multipartAudio(t, "clip.MP3", []byte("audio"))

	req := httptest.NewRequest(http.MethodPost, "/speech/transcribe", body)
	req.Header.Set("Content-Type", ct)
	resp := httptest.NewRecorder()
	setupRouter(svc).ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"text":"hello"`)
	require.Equal(t, "mp3", svc.lastASR.Format)
	require.Equal(t, "en-US", svc.lastASR.Language)
	require.NotEmpty(t, svc.lastASR.ConnectID)
}

func TestTranscribeMissingFile(t *testing.T) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("language", "en-US"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/speech/transcribe", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := httptest.NewRecorder()
	setupRouter(&mockSpeechService{}).ServeHTTP(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestSynthesize(t *testing.T) {
	svc := &mockSpeechService{synthesis: speech.Synthesis{Audio: []byte("mp3"), Format: "mp3"}}
	req := httptest.NewRequest(http.MethodPost, "/speech/synthesize", strings.NewReader(`{"Text":"Hi"}`))
	resp := httptest.NewRecorder()
	setupRouter(svc).ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "audio/mpeg", resp.Header().Get("Content-Type"))
	require.Equal(t, "mp3", resp.Body.String())
}

func TestSynthesizeErrors(t *testing.T) {
	resp := httptest.NewRecorder()
	setupRouter(&mockSpeechService{}).ServeHTTP(resp,
		httptest.NewRequest(http.MethodPost, "/speech/synthesize", strings.NewReader(`{"Text":"  "}`)))
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = httptest.NewRecorder()
	setupRouter(&mockSpeechService{err: errors.New("down")}).ServeHTTP(resp,
		httptest.NewRequest(http.MethodPost, "/speech/synthesize", strings.NewReader(`{"Text":"hi"}`)))
	require.Equal(t, http.StatusBadGateway, resp.Code)
}
