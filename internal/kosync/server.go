package kosync

import (
	"context"
	"encoding/json/v2"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shelfsync/shelfsync-server/internal/config"
	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
	"github.com/shelfsync/shelfsync-server/internal/ratelimit"
)

// Mappings resolves a KoReader document hash to a bridged book.
type Mappings interface {
	FindMappingByKosyncDoc(ctx context.Context, docID string) (*domain.Mapping, error)
}

// Server handles the sync protocol routes. A position update for a mapped
// document triggers an immediate bridge cycle through the enqueue hook;
// updates for unknown documents go to the discover hook so the library can
// try to match them to an epub.
type Server struct {
	cfg      config.KosyncServerConfig
	store    *Store
	mappings Mappings
	enqueue  func(bookID string)
	discover func(docHash string)
	limiter  *ratelimit.KeyedRateLimiter
	log      *logger.Logger
	now      func() time.Time
}

// NewServer creates the sync protocol server. enqueue and discover may be
// nil.
func NewServer(cfg config.KosyncServerConfig, store *Store, mappings Mappings,
	enqueue func(bookID string), discover func(docHash string), log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		mappings: mappings,
		enqueue:  enqueue,
		discover: discover,
		limiter:  ratelimit.New(cfg.RateRPS, cfg.RateBurst),
		log:      log,
		now:      time.Now,
	}
}

// Stop releases the rate limiter's cleanup goroutine.
func (s *Server) Stop() {
	s.limiter.Stop()
}

// Router builds the protocol routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.rateLimit)
	r.Get("/healthcheck", s.handleHealth)
	r.Post("/users/create", s.handleCreateUser)
	r.Get("/users/auth", s.authed(s.handleAuthCheck))
	r.Get("/syncs/progress/{document}", s.authed(s.handleGetProgress))
	r.Put("/syncs/progress", s.authed(s.handlePutProgress))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.MarshalWrite(w, v)
}

// rateLimit throttles per source IP. The sync surface is the one piece of
// the bridge meant to face the internet.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.limiter.Allow(ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authed validates the x-auth-user/x-auth-key headers KOReader sends on
// every request.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := r.Header.Get("x-auth-user")
		key := r.Header.Get("x-auth-key")
		if username == "" || key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid credentials"})
			return
		}
		user, err := s.store.GetUser(username)
		if err != nil || !verifyKey(user.KeyHash, key) {
			s.log.Warn("sync auth rejected", "user", username, "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": "OK"})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.UnmarshalRead(r.Body, &req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request"})
		return
	}

	keyHash, err := hashKey(req.Password)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request"})
		return
	}
	user := &User{Username: req.Username, KeyHash: keyHash, CreatedAt: s.now().Unix()}
	if err := s.store.CreateUser(user); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			// 402 is what the reference server returns for a taken
			// username; KOReader checks for it.
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"message": "Username is already registered"})
			return
		}
		s.log.Error("create sync user", "user", req.Username, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Server error"})
		return
	}

	s.log.Info("sync user registered", "user", req.Username)
	writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"authorized": "OK"})
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "document")
	doc, err := s.store.GetDocument(hash)
	if errors.Is(err, errors.ErrNotFound) {
		// 502, not 404: KOReader treats 404 as a server fault but
		// quietly accepts 502 as "nothing synced yet".
		writeJSON(w, http.StatusBadGateway, map[string]string{"message": "Document not found on server"})
		return
	}
	if err != nil {
		s.log.Error("load document", "doc", hash, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Server error"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Document   string  `json:"document"`
		Progress   string  `json:"progress"`
		Percentage float64 `json:"percentage"`
		Device     string  `json:"device"`
		DeviceID   string  `json:"device_id"`
	}
	if err := json.UnmarshalRead(r.Body, &req); err != nil || req.Document == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Missing document ID"})
		return
	}

	existing, err := s.store.GetDocument(req.Document)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		s.log.Error("load document", "doc", req.Document, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Server error"})
		return
	}

	now := s.now().Unix()
	if s.cfg.FurthestWins && existing != nil && req.Percentage < existing.Percentage-0.0001 {
		s.log.Debug("rejecting backwards progress",
			"doc", req.Document, "stored", existing.Percentage, "offered", req.Percentage)
		writeJSON(w, http.StatusOK, map[string]any{
			"document": existing.Document, "timestamp": existing.Timestamp,
		})
		return
	}

	doc := &Document{
		Document:   req.Document,
		Progress:   req.Progress,
		Percentage: req.Percentage,
		Device:     req.Device,
		DeviceID:   req.DeviceID,
		Timestamp:  now,
	}
	if err := s.store.PutDocument(doc); err != nil {
		s.log.Error("save document", "doc", req.Document, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Server error"})
		return
	}

	m, err := s.mappings.FindMappingByKosyncDoc(r.Context(), req.Document)
	switch {
	case err == nil && m.Syncable():
		if s.enqueue != nil {
			s.log.Debug("sync triggered by reader update", "book", m.BookID, "device", req.Device)
			s.enqueue(m.BookID)
		}
	case errors.Is(err, errors.ErrNotFound):
		if s.discover != nil {
			s.discover(req.Document)
		}
	case err != nil:
		s.log.Warn("mapping lookup failed", "doc", req.Document, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"document": req.Document, "timestamp": now})
}
