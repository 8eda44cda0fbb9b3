package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	sessionName   = "resybook_session"
	sessionMaxAge = 7 * 24 * time.Hour
)

type SessionManager struct {
	sc     *securecookie.SecureCookie
	secure bool
}

// NewSessionManager signs cookies with hashKey and encrypts them with
// blockKey. secure marks cookies HTTPS-only.
func NewSessionManager(hashKey, blockKey []byte, secure bool) *SessionManager {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionMaxAge.Seconds()))
	return &SessionManager{sc: sc, secure: secure}
}

func (s *SessionManager) SetUserID(w http.ResponseWriter, userID int64) error {
	value := map[string]string{"uid": strconv.FormatInt(userID, 10)}
	encoded, err := s.sc.Encode(sessionName, value)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name: sessionName, Value: "", Path: "/", MaxAge: -1,
		HttpOnly: true, Secure: s.secure, SameSite: http.SameSiteLaxMode,
	})
}

func (s *SessionManager) GetUserID(r *http.Request) (int64, bool) {
	c, err := r.Cookie(sessionName)
	if err != nil {
		return 0, false
	}
	value := map[string]string{}
	if err := s.sc.Decode(sessionName, c.Value, &value); err != nil {
		return 0, false
	}
	uid, err := strconv.ParseInt(value["uid"], 10, 64)
	if err != nil || uid <= 0 {
		return 0, false
	}
	return uid, true
}
