package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shivanshagarwal10/realtime-editor/pkg/otelhelper"
	"github.com/shivanshagarwal10/realtime-editor/pkg/presence"
	"github.com/shivanshagarwal10/realtime-editor/pkg/store"
)

const defaultChatLimit = 20

type server struct {
	store   *store.Store
	tracker *presence.Tracker

	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func newServer(st *store.Store, tracker *presence.Tracker) *server {
	meter := otel.Meter("api-service")
	requestCounter, _ := meter.Int64Counter("api_requests_total",
		metric.WithDescription("Total API requests served"))
	requestDuration, _ := otelhelper.NewDurationHistogram(meter, "api_request_duration_seconds",
		"API request duration")
	return &server{
		store:           st,
		tracker:         tracker,
		requestCounter:  requestCounter,
		requestDuration: requestDuration,
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.measure)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Post("/login", s.handleLogin)
	r.Get("/active-users", s.handleActiveUsers)

	r.Route("/documents", func(r chi.Router) {
		r.Get("/", s.handleListDocuments)
		r.Post("/", s.handleCreateDocument)
		r.Route("/{documentID}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)
			r.Get("/members", s.handleMembers)
			r.Get("/chat", s.handleChatHistory)
		})
	})

	return r
}

func (s *server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", r.URL.Path),
		)
		s.requestCounter.Add(r.Context(), 1, attrs)
		s.requestDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}
	user, err := s.store.UpsertUser(r.Context(), req.Username)
	if err != nil {
		slog.Error("Failed to upsert user", "user", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save user")
		return
	}
	// The global active set is advisory; a failed write must not fail the
	// login.
	if err := s.tracker.GlobalLogin(r.Context(), req.Username); err != nil {
		slog.Warn("Failed to record global presence", "user", req.Username, "error", err)
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *server) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.tracker.GlobalActive(r.Context())
	if err != nil {
		slog.Error("Failed to read global active users", "error", err)
		writeError(w, http.StatusInternalServerError, "presence store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		slog.Error("Failed to list documents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title required")
		return
	}
	doc, err := s.store.CreateDocument(r.Context(), req.Title)
	if err != nil {
		slog.Error("Failed to create document", "title", req.Title, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create document")
		return
	}
	slog.Info("Document created", "doc", doc.ID, "title", doc.Title)
	writeJSON(w, http.StatusCreated, doc)
}

func (s *server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	doc, err := s.store.GetDocument(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load document", "doc", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	chat, err := s.store.ChatHistory(r.Context(), id, chatLimit(r))
	if err != nil {
		slog.Error("Failed to load chat history", "doc", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load chat history")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Document store.Document      `json:"document"`
		Chat     []store.ChatMessage `json:"chat"`
	}{Document: doc, Chat: chat})
}

// handleMembers reports everyone associated with the document: the
// durable membership roster, whoever holds a live presence record, and
// anyone who ever wrote chat into it.
func (s *server) handleMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	ctx := r.Context()

	members, err := s.tracker.Members(ctx, id)
	if err != nil {
		slog.Error("Failed to read members", "doc", id, "error", err)
		writeError(w, http.StatusInternalServerError, "presence store unavailable")
		return
	}
	active, err := s.tracker.Active(ctx, id)
	if err != nil {
		slog.Error("Failed to read active set", "doc", id, "error", err)
		writeError(w, http.StatusInternalServerError, "presence store unavailable")
		return
	}
	authors, err := s.store.ChatAuthors(ctx, id)
	if err != nil {
		slog.Error("Failed to read chat authors", "doc", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load chat authors")
		return
	}

	seen := make(map[string]bool)
	union := []string{}
	for _, group := range [][]string{members, active, authors} {
		for _, u := range group {
			if !seen[u] {
				seen[u] = true
				union = append(union, u)
			}
		}
	}
	sort.Strings(union)

	writeJSON(w, http.StatusOK, struct {
		Members []string `json:"members"`
		Active  []string `json:"active"`
	}{Members: union, Active: active})
}

func (s *server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	chat, err := s.store.ChatHistory(r.Context(), id, chatLimit(r))
	if err != nil {
		slog.Error("Failed to load chat history", "doc", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load chat history")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func chatLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultChatLimit
}
