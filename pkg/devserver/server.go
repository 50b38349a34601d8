package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/signstream/pkg/landmarks"
)

// maxBody bounds a /translate request; a full batch of four families is far below it.
const maxBody = 8 << 20

type Config struct {
	Addr      string `mapstructure:"addr"`
	SignsPath string `mapstructure:"signs_path"`
	Window    int    `mapstructure:"window"`
	Step      int    `mapstructure:"step"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	return c
}

type Server struct {
	cfg        Config
	recognizer *Recognizer
	log        *slog.Logger
	server     *http.Server
}

func New(cfg Config, log *slog.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	db := DefaultDatabase()
	if cfg.SignsPath != "" {
		loaded, err := LoadDatabase(cfg.SignsPath)
		if err != nil {
			return nil, err
		}
		db = loaded
	}
	return &Server{cfg: cfg, recognizer: NewRecognizer(db, cfg.Window, cfg.Step), log: log}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /translate", s.handleTranslate)
	return mux
}

// Start listens on the configured address and serves until ctx is done or Stop is called.
// Cancelling ctx shuts the server down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdown)
	}()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("devserver_error", "error", err.Error())
		}
	}()
	s.log.Info("devserver_listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var b landmarks.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&b); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid batch: " + err.Error()})
		return
	}
	words := s.recognizer.Recognize(b.Frames)
	s.log.Debug("devserver_translated", "frames", len(b.Frames), "words", words)
	writeJSON(w, http.StatusOK, landmarks.TranslationResult{
		Translation: strings.Join(words, " "),
		Words:       words,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
