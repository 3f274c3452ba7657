// Package config resolves runtime settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores runtime configuration.
type Config struct {
	Backend BackendConfig
	Speech  SpeechConfig
	Voice   VoiceConfig
	UI      UIConfig
	Log     LogConfig

	// ArchivePath enables the SQLite turn archive when non-empty.
	ArchivePath string
	// AudioEnabled is false when speaker and microphone must not be touched.
	AudioEnabled bool
}

type BackendConfig struct {
	URL            string
	ResearchPath   string
	SpeechPath     string
	TranscribePath string
	UploadField    string
	ChunkSize      int
}

type SpeechConfig struct {
	MaxChars   int
	Retries    int
	RetryDelay time.Duration
	SampleRate int
}

type VoiceConfig struct {
	SampleRate int
	Channels   int
}

type UIConfig struct {
	NoticeTTL time.Duration
}

type LogConfig struct {
	File  string
	Level string
}

// DefaultEnvFile is read when Load is called without explicit files.
const DefaultEnvFile = ".env"

// Load resolves configuration. Variables already set in the process
// environment win over values from files; a missing DefaultEnvFile is not an
// error, but an explicitly named file must exist.
func Load(files ...string) (Config, error) {
	dotenv, err := readEnvFiles(files)
	if err != nil {
		return Config{}, err
	}
	env := lookup(dotenv)

	cfg := Config{
		Backend: BackendConfig{
			URL:            strings.TrimRight(env.str("DEEPFANAR_BACKEND_URL", "http://localhost:8000"), "/"),
			ResearchPath:   env.str("DEEPFANAR_RESEARCH_PATH", "/research"),
			SpeechPath:     env.str("DEEPFANAR_SPEECH_PATH", "/speak"),
			TranscribePath: env.str("DEEPFANAR_TRANSCRIBE_PATH", "/transcribe"),
			UploadField:    env.str("DEEPFANAR_UPLOAD_FIELD", "file"),
			ChunkSize:      env.integer("DEEPFANAR_CHUNK_SIZE", 4096),
		},
		Speech: SpeechConfig{
			MaxChars:   env.integer("DEEPFANAR_SPEECH_MAX_CHARS", 4000),
			Retries:    env.integer("DEEPFANAR_SPEECH_RETRIES", 2),
			RetryDelay: env.millis("DEEPFANAR_SPEECH_RETRY_DELAY_MS", 1500),
			SampleRate: env.integer("DEEPFANAR_SPEECH_SAMPLE_RATE", 24000),
		},
		Voice: VoiceConfig{
			SampleRate: env.integer("DEEPFANAR_CAPTURE_SAMPLE_RATE", 16000),
			Channels:   1,
		},
		UI: UIConfig{
			NoticeTTL: env.millis("DEEPFANAR_NOTICE_TTL_MS", 5000),
		},
		Log: LogConfig{
			File:  env.str("DEEPFANAR_LOG_FILE", filepath.Join(os.TempDir(), "deepfanar.log")),
			Level: strings.ToLower(env.str("DEEPFANAR_LOG_LEVEL", "info")),
		},
		ArchivePath:  env.str("DEEPFANAR_ARCHIVE", ""),
		AudioEnabled: env.boolean("DEEPFANAR_AUDIO", true),
	}

	if cfg.Backend.ChunkSize < 256 {
		cfg.Backend.ChunkSize = 4096
	}
	if cfg.Speech.MaxChars <= 0 {
		cfg.Speech.MaxChars = 4000
	}
	if cfg.Speech.Retries < 0 {
		cfg.Speech.Retries = 2
	}
	if cfg.Speech.RetryDelay <= 0 {
		cfg.Speech.RetryDelay = 1500 * time.Millisecond
	}
	if cfg.Speech.SampleRate <= 0 {
		cfg.Speech.SampleRate = 24000
	}
	if cfg.Voice.SampleRate <= 0 {
		cfg.Voice.SampleRate = 16000
	}
	if cfg.UI.NoticeTTL <= 0 {
		cfg.UI.NoticeTTL = 5 * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that have no safe fallback. Call it again after
// applying flag overrides.
func (c Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend url %q: %w", c.Backend.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid backend url %q: scheme must be http or https", c.Backend.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid backend url %q: missing host", c.Backend.URL)
	}
	for name, p := range map[string]string{
		"research":   c.Backend.ResearchPath,
		"speech":     c.Backend.SpeechPath,
		"transcribe": c.Backend.TranscribePath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s path %q must start with /", name, p)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

func readEnvFiles(files []string) (map[string]string, error) {
	explicit := len(files) > 0
	if !explicit {
		files = []string{DefaultEnvFile}
	}

	merged := map[string]string{}
	for _, f := range files {
		values, err := godotenv.Read(f)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read env file %s: %w", f, err)
		}
		// Earlier files win, matching godotenv.Load.
		for k, v := range values {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

type lookup map[string]string

// raw treats an empty process variable as unset so .env values still apply.
func (l lookup) raw(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(l[key])
}

func (l lookup) str(key, fallback string) string {
	if v := l.raw(key); v != "" {
		return v
	}
	return fallback
}

func (l lookup) integer(key string, fallback int) int {
	v := l.raw(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func (l lookup) millis(key string, fallback int) time.Duration {
	return time.Duration(l.integer(key, fallback)) * time.Millisecond
}

func (l lookup) boolean(key string, fallback bool) bool {
	switch strings.ToLower(l.raw(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
