package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/headline-goat/contentloop/internal/pipeline"
	"github.com/headline-goat/contentloop/internal/scoring"
	"github.com/headline-goat/contentloop/internal/store"
)

// Runner executes evaluation cycles.
type Runner interface {
	RunExperiments(ctx context.Context) (*pipeline.RunSummary, error)
	RunTopicExperiments(ctx context.Context) (*pipeline.RunSummary, error)
}

type Options struct {
	Port int
	// Token protects /api. Empty generates a random one.
	Token string
	// TokenFile, when set, receives the token so 'contentloop token' can
	// print it.
	TokenFile string
	// Profile scores ingested metrics. Empty means scoring.Full.
	Profile scoring.Profile
	Metrics http.Handler
	Log     logrus.FieldLogger
}

type Server struct {
	store     store.Store
	runner    Runner
	metrics   http.Handler
	log       logrus.FieldLogger
	port      int
	token     string
	tokenFile string
	profile   scoring.Profile
	router    *http.ServeMux
	startTime time.Time

	// runMu admits one run at a time.
	runMu sync.Mutex
}

func New(s store.Store, runner Runner, opts Options) *Server {
	token := opts.Token
	if token == "" {
		token = generateToken()
	}
	profile := opts.Profile
	if profile == "" {
		profile = scoring.Full
	}
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}

	srv := &Server{
		store:     s,
		runner:    runner,
		metrics:   opts.Metrics,
		log:       log,
		port:      opts.Port,
		token:     token,
		tokenFile: opts.TokenFile,
		profile:   profile,
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	// API endpoints (protected)
	s.router.Handle("/api/runs/experiments", s.authMiddleware(http.HandlerFunc(s.handleRunExperiments)))
	s.router.Handle("/api/runs/topics", s.authMiddleware(http.HandlerFunc(s.handleRunTopics)))
	s.router.Handle("/api/metrics", s.authMiddleware(http.HandlerFunc(s.handleIngest)))
	s.router.Handle("/api/topic-experiments", s.authMiddleware(http.HandlerFunc(s.handleCreateTopic)))
	s.router.Handle("/api/topic-experiments/", s.authMiddleware(http.HandlerFunc(s.handleTopicAction)))
	s.router.Handle("/api/prompt/active", s.authMiddleware(http.HandlerFunc(s.handleActivePrompt)))
	s.router.Handle("/api/patterns", s.authMiddleware(http.HandlerFunc(s.handlePatterns)))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.log.WithError(err).Warn("Failed to write token file")
		}
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("port", s.port).Info("contentloop API listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(bytes)
}
