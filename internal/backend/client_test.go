package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startMockServer serves handler and returns a client pointed at it.
func startMockServer(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewClient(srv.URL, opts...)
}

func TestResearchStreamsFramesInOrder(t *testing.T) {
	client := startMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/research" {
			t.Errorf("path = %q, want /research", r.URL.Path)
		}
		var req ResearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Query != "future of AI in medicine" {
			t.Errorf("query = %q", req.Query)
		}

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, `{"type":"progress","stage":"Sear`)
		flusher.Flush()
		io.WriteString(w, "ching\"}\nnot json\n{\"type\":\"progress\",\"stage\":\"Reading\",\"detail\":\"3 sources\"}\n")
		flusher.Flush()
		io.WriteString(w, `{"type":"final","content":"# Report","sources":["http://a"]}`)
	})

	stream, err := client.Research(context.Background(), "future of AI in medicine")
	if err != nil {
		t.Fatalf("research: %v", err)
	}
	defer stream.Close()

	var got []Frame
	for {
		f, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, f)
	}

	if len(got) != 3 {
		t.Fatalf("frames = %d, want 3: %+v", len(got), got)
	}
	if got[0].Stage != "Searching" {
		t.Errorf("frame 0 stage = %q, want %q", got[0].Stage, "Searching")
	}
	if got[1].Detail != "3 sources" {
		t.Errorf("frame 1 detail = %q", got[1].Detail)
	}
	if got[2].Type != FrameFinal || got[2].Content != "# Report" {
		t.Errorf("frame 2 = %+v", got[2])
	}
	if stream.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", stream.Dropped())
	}
}

func TestResearchStatusErrorDetail(t *testing.T) {
	client := startMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"detail":"query too long"}`)
	})

	_, err := client.Research(context.Background(), "q")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusUnprocessableEntity {
		t.Errorf("code = %d", se.Code)
	}
	if err.Error() != "query too long" {
		t.Errorf("message = %q, want %q", err.Error(), "query too long")
	}
}

func TestResearchStatusErrorFallbacks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unparsable body", "<html>oops</html>", "Unknown server error"},
		{"no detail field", `{"message":"x"}`, "Server responded with status 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startMockServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				io.WriteString(w, tt.body)
			})
			_, err := client.Research(context.Background(), "q")
			if err == nil || err.Error() != tt.want {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestResearchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, WithLogger(quietLogger()))
	_, err := client.Research(context.Background(), "q")
	if !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

func TestSynthesizeStatusClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unavailable", http.StatusServiceUnavailable, ErrSynthesisUnavailable},
		{"gateway timeout", http.StatusGatewayTimeout, ErrSynthesisTimeout},
		{"request timeout", http.StatusRequestTimeout, ErrSynthesisTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startMockServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"detail":"tts said no"}`)
			})
			_, err := client.Synthesize(context.Background(), "hello")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Detail != "tts said no" {
				t.Errorf("status error = %+v", se)
			}
		})
	}
}

func TestSynthesizeOtherFailure(t *testing.T) {
	client := startMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"detail":"bad voice"}`)
	})
	_, err := client.Synthesize(context.Background(), "hello")
	if errors.Is(err, ErrSynthesisUnavailable) || errors.Is(err, ErrSynthesisTimeout) {
		t.Errorf("400 classified as retryable/timeout: %v", err)
	}
	if err == nil || err.Error() != "bad voice" {
		t.Errorf("err = %v, want %q", err, "bad voice")
	}
}

func TestSynthesizeSuccess(t *testing.T) {
	client := startMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/speak" {
			t.Errorf("path = %q, want /speak", r.URL.Path)
		}
		var req SpeechRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "read me" {
			t.Errorf("text = %q", req.Text)
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write([]byte("RIFFdata"))
	})
	audio, err := client.Synthesize(context.Background(), "read me")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "RIFFdata" {
		t.Errorf("audio = %q", audio)
	}
}

func TestTranscribeUpload(t *testing.T) {
	client := startMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" {
			t.Errorf("path = %q, want /transcribe", r.URL.Path)
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("form file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "pcm-bytes" {
			t.Errorf("upload = %q", data)
		}
		if header.Filename != "clip.wav" {
			t.Errorf("filename = %q", header.Filename)
		}
		io.WriteString(w, `{"text":"what is CRISPR"}`)
	}, WithUploadField("audio"))

	text, err := client.Transcribe(context.Background(), []byte("pcm-bytes"), "clip.wav")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "what is CRISPR" {
		t.Errorf("text = %q", text)
	}
}

func TestTranscribeEmptyAndFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"empty text", http.StatusOK, `{"text":"  "}`, ErrEmptyTranscript},
		{"missing text", http.StatusOK, `{}`, ErrEmptyTranscript},
		{"server error", http.StatusInternalServerError, `{"detail":"whisper down"}`, ErrTranscription},
		{"garbage body", http.StatusOK, `nope`, ErrTranscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startMockServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := client.Transcribe(context.Background(), []byte("x"), "clip.wav")
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStreamReadFailure(t *testing.T) {
	stream := NewStream(io.NopCloser(io.MultiReader(
		strings.NewReader("{\"type\":\"progress\",\"stage\":\"a\"}\n"),
		errReader{},
	)), 8, quietLogger())

	if _, err := stream.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if _, err := stream.Next(); !errors.Is(err, ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
