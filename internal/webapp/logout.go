package webapp

import (
	"errors"
	"net/http"
	"time"

	"nuha.dev/bustracker/internal/session"
)

// SessionCloser ends the session carried by a request.
type SessionCloser interface {
	Logout(r *http.Request) error
}

func (api *Api) SetSessionCloser(c SessionCloser) {
	api.closer = c
}

func (api *Api) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Secure:   true,
		HttpOnly: true,
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
	})
	if api.closer == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	err := api.closer.Logout(r)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		api.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
