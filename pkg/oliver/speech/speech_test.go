package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTranscribe(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/audio/transcriptions" {
				t.Errorf("path = %q", r.URL.Path)
			}
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			if got := r.FormValue("model"); got != "whisper-1" {
				t.Errorf("model = %q", got)
			}
			w.Write([]byte(`{"text": "qual o horário de vocês?"}`))
		}))
		defer srv.Close()

		tr := NewTranscriber(srv.URL, "key", "whisper-1", nil)
		audio := base64.StdEncoding.EncodeToString([]byte("fake-ogg-bytes"))
		text, err := tr.Transcribe(context.Background(), audio)
		if err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
		if text != "qual o horário de vocês?" {
			t.Errorf("text = %q", text)
		}
	})

	t.Run("API failure wraps ErrTranscription", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		tr := NewTranscriber(srv.URL, "key", "", nil)
		audio := base64.StdEncoding.EncodeToString([]byte("x"))
		_, err := tr.Transcribe(context.Background(), audio)
		if !errors.Is(err, ErrTranscription) {
			t.Errorf("err = %v, want ErrTranscription", err)
		}
	})

	t.Run("invalid base64 wraps ErrTranscription", func(t *testing.T) {
		tr := NewTranscriber("http://unused", "key", "", nil)
		if _, err := tr.Transcribe(context.Background(), "not-base64!!!"); !errors.Is(err, ErrTranscription) {
			t.Errorf("err = %v, want ErrTranscription", err)
		}
	})
}

type stubProvider struct {
	name  string
	audio []byte
	mime  string
	err   error
	calls int
	last  Request
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Synthesize(ctx context.Context, req Request) ([]byte, string, error) {
	s.calls++
	s.last = req
	return s.audio, s.mime, s.err
}

func TestChain(t *testing.T) {
	t.Run("primary wins", func(t *testing.T) {
		primary := &stubProvider{name: "elevenlabs", audio: []byte("mp3"), mime: "audio/mpeg"}
		secondary := &stubProvider{name: "openai-tts"}
		chain := NewChain([]Provider{primary, secondary}, map[string]string{"elevenlabs": "voz-1"}, nil)

		audio, mime, err := chain.Synthesize(context.Background(), "olá", 1.0)
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
		if string(audio) != "mp3" || mime != "audio/mpeg" {
			t.Errorf("audio = %q mime = %q", audio, mime)
		}
		if secondary.calls != 0 {
			t.Error("secondary called although primary succeeded")
		}
		if primary.last.Voice != "voz-1" {
			t.Errorf("voice = %q", primary.last.Voice)
		}
	})

	t.Run("falls back in definition order", func(t *testing.T) {
		primary := &stubProvider{name: "elevenlabs", err: errors.New("quota exceeded")}
		secondary := &stubProvider{name: "openai-tts", audio: []byte("opus"), mime: "audio/ogg"}
		chain := NewChain([]Provider{primary, secondary}, nil, nil)

		audio, _, err := chain.Synthesize(context.Background(), "olá", 0)
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
		if string(audio) != "opus" {
			t.Errorf("audio = %q", audio)
		}
		if primary.calls != 1 || secondary.calls != 1 {
			t.Errorf("calls = %d/%d", primary.calls, secondary.calls)
		}
	})

	t.Run("all providers failing yields ErrSynthesis", func(t *testing.T) {
		chain := NewChain([]Provider{
			&stubProvider{name: "elevenlabs", err: errors.New("down")},
			&stubProvider{name: "openai-tts", err: errors.New("also down")},
		}, nil, nil)

		if _, _, err := chain.Synthesize(context.Background(), "olá", 0); !errors.Is(err, ErrSynthesis) {
			t.Errorf("err = %v, want ErrSynthesis", err)
		}
	})
}

func TestSpeedForSentiment(t *testing.T) {
	tests := []struct {
		sentiment string
		want      float64
	}{
		{"frustrated", 0.95},
		{"confused", 0.9},
		{"urgent", 1.1},
		{"happy", 1.05},
		{"neutral", 1.0},
		{"", 1.0},
	}
	for _, tt := range tests {
		if got := SpeedForSentiment(tt.sentiment); got != tt.want {
			t.Errorf("SpeedForSentiment(%q) = %v, want %v", tt.sentiment, got, tt.want)
		}
	}
}

func TestOpenAIProviderRequest(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("opus-bytes"))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "")
	audio, mime, err := p.Synthesize(context.Background(), Request{Text: "olá", Speed: 1.05})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if gotPath != "/audio/speech" {
		t.Errorf("path = %q", gotPath)
	}
	if string(audio) != "opus-bytes" || mime != "audio/ogg" {
		t.Errorf("audio = %q mime = %q", audio, mime)
	}
}
