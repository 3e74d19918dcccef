package pipeline

import (
	"net/http"

	"github.com/jrsteele09/go-auth-client/session"
	"golang.org/x/oauth2"
)

// Injector attaches the active session's access token to outbound requests.
// It only reads the store mirror, so it never blocks on I/O and never starts a refresh.
type Injector struct {
	store *session.Store
}

func NewInjector(store *session.Store) *Injector {
	return &Injector{store: store}
}

// Inject sets the bearer header from the active session and returns the token
// it attached. Without a session the request goes out unauthenticated and ""
// is returned.
func (i *Injector) Inject(req *http.Request) string {
	var token string
	if current := i.store.Current(); current != nil {
		token = current.AccessToken
	}
	Attach(req, token)
	return token
}

// Attach replaces the Authorization header with a bearer token, or removes it
// when token is empty.
func Attach(req *http.Request, token string) {
	if token == "" {
		req.Header.Del("Authorization")
		return
	}
	(&oauth2.Token{AccessToken: token}).SetAuthHeader(req)
}
