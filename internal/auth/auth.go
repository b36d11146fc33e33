package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

type Auth interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
	ServiceMiddleware(h http.HandlerFunc) http.HandlerFunc
}

const (
	HeaderProviderKey   = "X-Provider-Id"
	HeaderServiceToken  = "X-Service-Token"
	cookieProviderToken = "offerbillingToken"
)

var ErrNoToken = errors.New("no token")

type auth struct {
	secret       []byte
	serviceToken []byte
}

func NewAuth(secret string, serviceToken string) Auth {
	return &auth{secret: []byte(secret), serviceToken: []byte(serviceToken)}
}

// Middleware пропускает запросы поставщиков с действующим токеном
func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// получение кода поставщика
		provider, err := a.getProvider(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем, перезаписывая присланный клиентом заголовок
		r.Header.Set(HeaderProviderKey, provider)

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}

// ServiceMiddleware пропускает внутренние сервисы (платежный шлюз, администрирование)
func (a *auth) ServiceMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := []byte(r.Header.Get(HeaderServiceToken))
		if len(a.serviceToken) == 0 || subtle.ConstantTimeCompare(token, a.serviceToken) != 1 {
			http.Error(w, "invalid service token", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	}
}

func (a *auth) getProvider(r *http.Request) (string, error) {
	// заголовок Authorization, затем куки
	var token string
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	} else if cookie, err := r.Cookie(cookieProviderToken); err == nil {
		token = cookie.Value
	}
	if token == "" {
		return "", ErrNoToken
	}
	return GetProvider(a.secret, token)
}
