package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowex/internal/store"
)

const sessionTTL = 24 * time.Hour

// Session is an authenticated API session.
type Session struct {
	Token     string
	UserID    uuid.UUID
	ExpiresAt time.Time
}

// SessionStore manages sessions with database persistence and an in-memory
// cache in front of it.
type SessionStore struct {
	store  *store.Store
	mu     sync.RWMutex
	cache  map[string]*Session
	stopCh chan struct{}
}

func NewSessionStore(s *store.Store) *SessionStore {
	ss := &SessionStore{
		store:  s,
		cache:  make(map[string]*Session),
		stopCh: make(chan struct{}),
	}
	go ss.cleanupLoop()
	return ss
}

func (ss *SessionStore) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ss.cleanup()
		case <-ss.stopCh:
			return
		}
	}
}

func (ss *SessionStore) cleanup() {
	ss.mu.Lock()
	now := time.Now()
	for token, session := range ss.cache {
		if now.After(session.ExpiresAt) {
			delete(ss.cache, token)
		}
	}
	ss.mu.Unlock()

	ss.store.CleanupExpiredSessions()
}

// Stop halts the cleanup goroutine
func (ss *SessionStore) Stop() {
	close(ss.stopCh)
}

func (ss *SessionStore) Create(userID uuid.UUID) (*Session, error) {
	token := generateToken()
	session := &Session{
		Token:     token,
		UserID:    userID,
		ExpiresAt: time.Now().Add(sessionTTL),
	}
	if err := ss.store.CreateSession(token, userID, session.ExpiresAt); err != nil {
		return nil, err
	}

	ss.mu.Lock()
	ss.cache[token] = session
	ss.mu.Unlock()
	return session, nil
}

func (ss *SessionStore) Get(token string) *Session {
	ss.mu.RLock()
	if session, ok := ss.cache[token]; ok && time.Now().Before(session.ExpiresAt) {
		ss.mu.RUnlock()
		return session
	}
	ss.mu.RUnlock()

	dbSession, err := ss.store.GetSession(token)
	if err != nil || dbSession == nil {
		return nil
	}
	session := &Session{
		Token:     dbSession.Token,
		UserID:    dbSession.UserID,
		ExpiresAt: dbSession.ExpiresAt,
	}
	ss.mu.Lock()
	ss.cache[token] = session
	ss.mu.Unlock()
	return session
}

func (ss *SessionStore) Delete(token string) {
	ss.mu.Lock()
	delete(ss.cache, token)
	ss.mu.Unlock()
	ss.store.DeleteSession(token)
}

func generateToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.Username) < 3 || len(req.Username) > 32 {
		s.respondErr(w, http.StatusBadRequest, "username must be 3-32 characters")
		return
	}
	if len(req.Password) < 6 {
		s.respondErr(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	user, err := s.store.CreateUser(req.Username, req.Password)
	if errors.Is(err, store.ErrUserExists) {
		s.respondErr(w, http.StatusConflict, "username already taken")
		return
	}
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	s.issueSession(w, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondErr(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.AuthenticateUser(req.Username, req.Password)
	if errors.Is(err, store.ErrUserNotFound) || errors.Is(err, store.ErrInvalidPassword) {
		s.respondErr(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	s.issueSession(w, user)
}

func (s *Server) issueSession(w http.ResponseWriter, user *store.User) {
	session, err := s.sessions.Create(user.ID)
	if err != nil {
		s.respondErr(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.respond(w, http.StatusOK, AuthView{
		Token:     session.Token,
		User:      userView(user),
		ExpiresIn: int64(sessionTTL.Seconds()),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.sessions.Delete(token)
	s.respond(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(r)
	if session == nil {
		s.respondErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := s.store.GetUserByID(session.UserID)
	if err != nil {
		s.respondErr(w, http.StatusNotFound, "user not found")
		return
	}
	s.respond(w, http.StatusOK, userView(user))
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func (s *Server) getSession(r *http.Request) *Session {
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	return s.sessions.Get(token)
}
