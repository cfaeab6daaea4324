package transcribe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	speech "google.golang.org/api/speech/v1"

	"github.com/breeze-rmm/meetbot/internal/config"
)

// syncLimit is the longest audio the synchronous recognize call accepts.
const syncLimit = time.Minute

// Google calls the Cloud Speech-to-Text v1 REST API.
type Google struct {
	svc          *speech.Service
	pollInterval time.Duration
}

func NewGoogle(ctx context.Context, cfg config.GoogleTranscriptionConfig, extra ...option.ClientOption) (*Google, error) {
	var opts []option.ClientOption
	switch {
	case cfg.APIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	opts = append(opts, extra...)
	svc, err := speech.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("transcribe: google speech client: %w", err)
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Google{svc: svc, pollInterval: interval}, nil
}

func (g *Google) Name() string { return "google" }

func (g *Google) Transcribe(ctx context.Context, req Request) (string, error) {
	if len(req.Content) == 0 {
		return "", ErrEmptyAudio
	}
	audio := &speech.RecognitionAudio{Content: base64.StdEncoding.EncodeToString(req.Content)}
	rc := &speech.RecognitionConfig{
		Encoding:        req.Encoding,
		SampleRateHertz: int64(req.SampleRateHz),
		LanguageCode:    req.LanguageCode,
	}

	if req.Duration > 0 && req.Duration <= syncLimit {
		resp, err := g.svc.Speech.Recognize(&speech.RecognizeRequest{Audio: audio, Config: rc}).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("transcribe: recognize: %w", err)
		}
		return joinResults(resp.Results), nil
	}

	op, err := g.svc.Speech.Longrunningrecognize(&speech.LongRunningRecognizeRequest{Audio: audio, Config: rc}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("transcribe: long running recognize: %w", err)
	}
	log.Debug("long running recognition started", "operation", op.Name)

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		op, err = g.svc.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("transcribe: poll operation: %w", err)
		}
	}
	if op.Error != nil {
		return "", fmt.Errorf("transcribe: operation failed: %d %s", op.Error.Code, op.Error.Message)
	}
	var lr speech.LongRunningRecognizeResponse
	if err := json.Unmarshal(op.Response, &lr); err != nil {
		return "", fmt.Errorf("transcribe: decode operation response: %w", err)
	}
	return joinResults(lr.Results), nil
}

func joinResults(results []*speech.SpeechRecognitionResult) string {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		if r == nil || len(r.Alternatives) == 0 || r.Alternatives[0] == nil {
			continue
		}
		lines = append(lines, r.Alternatives[0].Transcript)
	}
	return strings.Join(lines, "\n")
}
