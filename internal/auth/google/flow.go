package google

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	// CallbackPortStart is the preferred loopback port, the one the
	// Antigravity IDE registers. Ports up to CallbackPortEnd are tried when
	// it is taken.
	CallbackPortStart = 51121
	CallbackPortEnd   = 51126

	// CallbackTimeout closes an unanswered flow.
	CallbackTimeout = 2 * time.Minute
)

// Result is the outcome of one enrolment flow.
type Result struct {
	Email string
	Name  string
	Token *oauth2.Token
	Err   error
}

// Flow is one in-progress PKCE enrolment: a loopback server waiting for the
// browser to come back with an authorization code.
type Flow struct {
	config   *oauth2.Config
	state    string
	verifier string
	port     int

	server   *http.Server
	result   chan Result
	done     chan struct{}
	stopOnce sync.Once
}

// StartFlow builds the authorization URL and starts the loopback callback
// server. preferredPort 0 means CallbackPortStart. The server closes itself
// after CallbackTimeout or on Abort.
func StartFlow(preferredPort int) (*Flow, error) {
	if preferredPort == 0 {
		preferredPort = CallbackPortStart
	}

	listener, port, err := listenLoopback(preferredPort)
	if err != nil {
		return nil, err
	}

	f := &Flow{
		state:    uuid.NewString(),
		verifier: oauth2.GenerateVerifier(),
		port:     port,
		result:   make(chan Result, 1),
		done:     make(chan struct{}),
	}
	f.config = GetOAuthConfig(fmt.Sprintf("http://localhost:%d/oauth-callback", port))

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth-callback", f.handleCallback)
	f.server = &http.Server{Handler: mux}

	go func() {
		if err := f.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Warn("oauth callback server error")
		}
	}()

	go func() {
		select {
		case <-time.After(CallbackTimeout):
			f.deliver(Result{Err: fmt.Errorf("oauth callback timeout after %v", CallbackTimeout)})
			f.Abort()
		case <-f.done:
		}
	}()

	logrus.WithField("port", port).Info("oauth callback server listening")
	return f, nil
}

func listenLoopback(preferred int) (net.Listener, int, error) {
	ports := []int{preferred}
	if preferred == CallbackPortStart {
		for p := CallbackPortStart + 1; p <= CallbackPortEnd; p++ {
			ports = append(ports, p)
		}
	}
	var lastErr error
	for _, p := range ports {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			return listener, p, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no callback port available: %w", lastErr)
}

// AuthURL is the Google consent URL the user's browser should open.
func (f *Flow) AuthURL() string {
	return f.config.AuthCodeURL(f.state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(f.verifier),
	)
}

// Port is the loopback port the flow listens on.
func (f *Flow) Port() int { return f.port }

// Wait blocks until the callback arrives, the flow times out, or ctx is
// cancelled.
func (f *Flow) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-f.result:
		if res.Err != nil {
			return res, res.Err
		}
		return res, nil
	case <-ctx.Done():
		f.Abort()
		return Result{}, ctx.Err()
	}
}

// Abort shuts the callback server down.
func (f *Flow) Abort() {
	f.stopOnce.Do(func() {
		close(f.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.server.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("oauth callback server shutdown")
		}
	})
}

func (f *Flow) deliver(res Result) {
	select {
	case f.result <- res:
	default:
	}
}

func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		f.deliver(Result{Err: fmt.Errorf("oauth consent denied: %s", errParam)})
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		go f.Abort()
		return
	}

	if state := r.URL.Query().Get("state"); state != f.state {
		f.deliver(Result{Err: fmt.Errorf("invalid state token")})
		http.Error(w, "Invalid state token", http.StatusBadRequest)
		go f.Abort()
		return
	}

	code := r.URL.Query().Get("code")
	token, err := f.config.Exchange(r.Context(), code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		f.deliver(Result{Err: fmt.Errorf("token exchange failed: %w", err)})
		http.Error(w, "Token exchange failed", http.StatusInternalServerError)
		go f.Abort()
		return
	}

	info, err := FetchUserInfo(r.Context(), f.config, token)
	if err != nil {
		f.deliver(Result{Err: err})
		http.Error(w, "Failed to resolve account email", http.StatusInternalServerError)
		go f.Abort()
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Login Successful</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; text-align: center; }
		.success { color: #4ade80; font-size: 24px; margin-bottom: 10px; }
	</style>
</head>
<body>
	<div class="success">&#9989; Login Successful</div>
	<p>Account <strong>%s</strong> has been added. You can close this tab.</p>
</body>
</html>`, info.Email)

	f.deliver(Result{Email: info.Email, Name: info.Name, Token: token})
	go f.Abort()
}
