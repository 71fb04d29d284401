// Package api serves the REST data-access API used by clients to list
// conversations, page message history and perform durable operations over
// plain HTTP. Every request is authenticated with the same bearer token as
// the WebSocket upgrade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/projecthub/realtime/internal/chat"
	"github.com/projecthub/realtime/internal/protocol"
	"github.com/projecthub/realtime/internal/router"
	"github.com/projecthub/realtime/internal/session"
)

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

type ctxKey struct{}

// Handler exposes router operations over HTTP.
type Handler struct {
	rt   *router.Router
	auth Authenticator
}

// New creates a Handler.
func New(rt *router.Router, auth Authenticator) *Handler {
	return &Handler{rt: rt, auth: auth}
}

// Mount registers the API routes under /api on r.
func (h *Handler) Mount(r *mux.Router) {
	sub := r.PathPrefix("/api").Subrouter()
	sub.Use(h.authenticate)

	sub.HandleFunc("/projects/{id:[0-9]+}/conversations", h.listConversations).Methods(http.MethodGet)
	sub.HandleFunc("/conversations", h.createConversation).Methods(http.MethodPost)
	sub.HandleFunc("/conversations/{id:[0-9]+}", h.getConversation).Methods(http.MethodGet)
	sub.HandleFunc("/conversations/{id:[0-9]+}/messages", h.listMessages).Methods(http.MethodGet)
	sub.HandleFunc("/conversations/{id:[0-9]+}/messages", h.sendMessage).Methods(http.MethodPost)
	sub.HandleFunc("/conversations/{id:[0-9]+}/read", h.markRead).Methods(http.MethodPost)
	sub.HandleFunc("/messages/{id:[0-9]+}", h.editMessage).Methods(http.MethodPatch)
	sub.HandleFunc("/messages/{id:[0-9]+}", h.deleteMessage).Methods(http.MethodDelete)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := session.TokenFromRequest(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
		userID, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, session.ErrUnauthenticated) {
				log.Printf("[api] authenticate failed: %v", err)
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	projectID, _ := pathID(r)
	convs, err := h.rt.ListConversations(r.Context(), userFrom(r), projectID)
	if err != nil {
		writeRouterError(w, r, err)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	var nc chat.NewConversation
	if err := json.NewDecoder(r.Body).Decode(&nc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conv, created, err := h.rt.CreateConversation(r.Context(), userFrom(r), nc)
	if err != nil {
		writeRouterError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (h *Handler) getConversation(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	conv, err := h.rt.GetConversation(r.Context(), userFrom(r), id)
	if err != nil {
		writeRouterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)

	q := r.URL.Query()
	before, err := queryInt(q.Get("before"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "before must be a message id")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a number")
		return
	}

	msgs, err := h.rt.ListMessages(r.Context(), userFrom(r), id, before, int(limit))
	if err != nil {
		writeRouterError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type contentBody struct {
	Content string `json:"content"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	var body contentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, err := h.rt.SendMessage(r.Context(), userFrom(r), id, body.Content)
	if err != nil {
		writeRouterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	if err := h.rt.MarkRead(r.Context(), userFrom(r), id); err != nil {
		writeRouterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	var body contentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, err := h.rt.EditMessage(r.Context(), userFrom(r), id, body.Content)
	if err != nil {
		writeRouterError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r)
	if err := h.rt.DeleteMessage(r.Context(), userFrom(r), id); err != nil {
		writeRouterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pathID returns the {id} route variable. The route pattern only admits
// digits, so the error is only possible on overflow.
func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func queryInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("api: bad number")
	}
	return n, nil
}

// StatusCode maps a router error to an HTTP status.
func StatusCode(err error) int {
	switch router.ErrorCode(err) {
	case protocol.CodeInvalidMessage:
		return http.StatusBadRequest
	case protocol.CodeForbidden:
		return http.StatusForbidden
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeRouterError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		log.Printf("[api] %s %s user=%s: %v", r.Method, r.URL.Path, userFrom(r), err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}
