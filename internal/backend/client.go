package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	DefaultResearchPath   = "/research"
	DefaultSpeechPath     = "/speak"
	DefaultTranscribePath = "/transcribe"
	DefaultUploadField    = "file"
	DefaultChunkSize      = 4096
)

// Client talks to the research server over HTTP.
type Client struct {
	baseURL        string
	researchPath   string
	speechPath     string
	transcribePath string
	uploadField    string
	chunkSize      int
	httpClient     *http.Client
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. It must not carry a total timeout
// shorter than a research turn, since the research body streams for minutes.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for dropped frames and request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPaths overrides the endpoint paths. Empty values keep the defaults.
func WithPaths(research, speech, transcribe string) Option {
	return func(c *Client) {
		if research != "" {
			c.researchPath = research
		}
		if speech != "" {
			c.speechPath = speech
		}
		if transcribe != "" {
			c.transcribePath = transcribe
		}
	}
}

// WithUploadField sets the multipart field name for transcription uploads.
func WithUploadField(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.uploadField = name
		}
	}
}

// WithChunkSize sets the read size used when draining the research body.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		researchPath:   DefaultResearchPath,
		speechPath:     DefaultSpeechPath,
		transcribePath: DefaultTranscribePath,
		uploadField:    DefaultUploadField,
		chunkSize:      DefaultChunkSize,
		httpClient:     &http.Client{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Research submits a query and returns the response stream once headers
// arrive. A non-success status yields a *StatusError; network failures wrap
// ErrTransport.
func (c *Client) Research(ctx context.Context, query string) (*Stream, error) {
	resp, err := c.postJSON(ctx, c.researchPath, ResearchRequest{Query: query})
	if err != nil {
		return nil, err
	}
	if !success(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, readStatusError(resp, "Unknown server error")
	}
	c.logger.Debug("research stream opened", "status", resp.StatusCode)
	return newStream(resp.Body, c.chunkSize, c.logger), nil
}

// Synthesize requests speech audio for text and returns the raw payload.
// 503 wraps ErrSynthesisUnavailable; 504, 408 and client-side timeouts wrap
// ErrSynthesisTimeout.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.postJSON(ctx, c.speechPath, SpeechRequest{Text: text})
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w", ErrSynthesisTimeout, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		statusErr := readStatusError(resp, "")
		switch resp.StatusCode {
		case http.StatusServiceUnavailable:
			return nil, fmt.Errorf("%w: %w", ErrSynthesisUnavailable, statusErr)
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return nil, fmt.Errorf("%w: %w", ErrSynthesisTimeout, statusErr)
		default:
			return nil, statusErr
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read speech: %w", ErrTransport, err)
	}
	if len(audio) == 0 {
		return nil, errors.New("speech response was empty")
	}
	return audio, nil
}

// Transcribe uploads one audio file and returns the recognised text. An
// empty result wraps ErrEmptyTranscript; every other failure wraps
// ErrTranscription.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(c.uploadField, filename)
	if err != nil {
		return "", fmt.Errorf("%w: create form file: %w", ErrTranscription, err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("%w: write audio: %w", ErrTranscription, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%w: close multipart writer: %w", ErrTranscription, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.transcribePath, &buf)
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", ErrTranscription, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w: %w", ErrTranscription, ErrTransport, err)
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		return "", fmt.Errorf("%w: %w", ErrTranscription, readStatusError(resp, ""))
	}

	var out TranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrTranscription, err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", ErrEmptyTranscript
	}
	return out.Text, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return resp, nil
}

func success(code int) bool {
	return code >= 200 && code < 300
}

// readStatusError builds a StatusError from a failed response. fallback is
// used as the detail when the body is not a JSON object.
func readStatusError(resp *http.Response, fallback string) *StatusError {
	se := &StatusError{Code: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		se.Detail = fallback
		return se
	}
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		se.Detail = fallback
		return se
	}
	se.Detail = body.Detail
	return se
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
