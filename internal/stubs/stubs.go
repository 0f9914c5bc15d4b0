// Package stubs is an in-process chat server speaking the same envelope
// protocol and history API as the real backend. The integration test and
// the demo CLI's stub mode run against it.
package stubs

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"converse/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Server struct {
	upgrader *websocket.Upgrader

	mu      sync.Mutex
	tokens  map[string]string // token -> userID
	clients map[*websocket.Conn]string
	history map[string][]models.Message // per thread, CreatedAt ascending

	// writeMu serializes all writes; every connection shares it because the
	// stub broadcasts everything.
	writeMu sync.Mutex
}

func NewServer() *Server {
	return &Server{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		tokens:  make(map[string]string),
		clients: make(map[*websocket.Conn]string),
		history: make(map[string][]models.Message),
	}
}

// Authorize registers a token as valid for the given user.
func (s *Server) Authorize(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
}

// Seed adds messages to a thread's durable history.
func (s *Server) Seed(threadID string, messages ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[threadID] = append(s.history[threadID], messages...)
	sort.SliceStable(s.history[threadID], func(i, j int) bool {
		return s.history[threadID][i].CreatedAt.Before(s.history[threadID][j].CreatedAt)
	})
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ws", s.handleWS)
	mux.HandleFunc("GET /api/v1/messages/threads/{id}", s.handleThreadMessages)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userForToken(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = userID
	s.mu.Unlock()

	s.broadcast(models.Envelope{
		Type:      models.KindUserJoined,
		UserID:    userID,
		Status:    models.UserStatusOnline,
		Timestamp: time.Now().UTC(),
	}, nil)

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()

		s.broadcast(models.Envelope{
			Type:      models.KindUserLeft,
			UserID:    userID,
			Status:    models.UserStatusOffline,
			Timestamp: time.Now().UTC(),
		}, nil)
	}()

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case models.KindNewMessage:
			msg := models.Message{
				ID:          uuid.NewString(),
				ThreadID:    env.ThreadID,
				SenderID:    userID,
				Content:     env.Content,
				ContentType: env.ContentType,
				CreatedAt:   time.Now().UTC(),
			}
			s.mu.Lock()
			s.history[env.ThreadID] = append(s.history[env.ThreadID], msg)
			s.mu.Unlock()

			// Echo to everyone, sender included.
			s.broadcast(models.Envelope{
				Type:        models.KindNewMessage,
				MessageID:   msg.ID,
				ThreadID:    msg.ThreadID,
				SenderID:    msg.SenderID,
				Content:     msg.Content,
				ContentType: msg.ContentType,
				CreatedAt:   msg.CreatedAt,
			}, nil)

		case models.KindTyping, models.KindStopTyping:
			s.broadcast(models.Envelope{
				Type:      env.Type,
				ThreadID:  env.ThreadID,
				SenderID:  userID,
				Timestamp: time.Now().UTC(),
			}, conn)

		case models.KindUserStatus:
			s.broadcast(models.Envelope{
				Type:      models.KindUserStatus,
				UserID:    userID,
				Status:    env.Status,
				Timestamp: time.Now().UTC(),
			}, conn)

		case models.KindPing:
			// Liveness only; nothing to answer.
		}
	}
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, ok := s.userForToken(token); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	threadID := r.PathValue("id")
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	s.mu.Lock()
	all := s.history[threadID]
	total := len(all)
	// Page 1 is the newest slice of the backlog.
	end := total - (page-1)*pageSize
	start := end - pageSize
	if end < 0 {
		end = 0
	}
	if start < 0 {
		start = 0
	}
	messages := make([]models.Message, end-start)
	copy(messages, all[start:end])
	s.mu.Unlock()

	writeJSON(w, models.MessagePage{
		Messages:    messages,
		CurrentPage: page,
		PageSize:    pageSize,
		HasMore:     start > 0,
	})
}

func (s *Server) userForToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.tokens[token]
	return userID, ok && token != ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("stub response encode error: %v", err)
	}
}

// broadcast sends env to every connected client except skip.
func (s *Server) broadcast(env models.Envelope, skip *websocket.Conn) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		if conn != skip {
			conns = append(conns, conn)
		}
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, conn := range conns {
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("stub broadcast error: %v", err)
		}
	}
}
