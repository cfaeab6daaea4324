package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/breeze-rmm/meetbot/internal/config"
	"github.com/breeze-rmm/meetbot/internal/httputil"
)

// HTTP posts the recording as multipart form data to an OpenAI-compatible
// audio transcription endpoint and reads the "text" field of the reply.
type HTTP struct {
	url    string
	apiKey string
	model  string
	client *http.Client
	retry  httputil.RetryConfig
}

func NewHTTP(cfg config.HTTPTranscriptionConfig) *HTTP {
	return &HTTP{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		client: &http.Client{},
		retry:  httputil.DefaultRetryConfig(),
	}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Transcribe(ctx context.Context, req Request) (string, error) {
	if len(req.Content) == 0 {
		return "", ErrEmptyAudio
	}
	body, contentType, err := h.encode(req)
	if err != nil {
		return "", err
	}

	headers := http.Header{"Content-Type": []string{contentType}}
	if h.apiKey != "" {
		headers.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := httputil.Do(ctx, h.client, http.MethodPost, h.url, body, headers, h.retry)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("transcribe: decode response: %w", err)
	}
	return out.Text, nil
}

func (h *HTTP) encode(req Request) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "recording."+extension(req.MIMEType))
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(req.Content); err != nil {
		return nil, "", err
	}
	if h.model != "" {
		if err := mw.WriteField("model", h.model); err != nil {
			return nil, "", err
		}
	}
	if lang, _, _ := strings.Cut(req.LanguageCode, "-"); lang != "" {
		if err := mw.WriteField("language", strings.ToLower(lang)); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func extension(mime string) string {
	switch EncodingForMIME(mime) {
	case "WEBM_OPUS":
		return "webm"
	case "OGG_OPUS":
		return "ogg"
	case "LINEAR16":
		return "wav"
	case "FLAC":
		return "flac"
	default:
		return "bin"
	}
}
