package ecoshop

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// User is the authenticated identity every backend family normalizes to.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	Token       string    `json:"-"`
	ExpiresAt   time.Time `json:"-"`
}

// AuthProvider is the authentication capability contract. Sign-in success
// and sign-out both fire the auth state listeners, which is how the cart
// and wishlist stores learn about login transitions.
type AuthProvider interface {
	Initialize(ctx context.Context) error
	IsReady() bool
	Dispose() error

	SignIn(ctx context.Context, email, password string) (*User, error)
	SignOut(ctx context.Context) error
	CurrentUser() *User
	OnAuthStateChange(fn func(*User)) UnsubscribeFunc
}

// authState is the shared session-holding core of the concrete providers.
type authState struct {
	mu        sync.Mutex
	user      *User
	ready     bool
	listeners map[int]func(*User)
	nextID    int
}

func newAuthState() *authState {
	return &authState{listeners: make(map[int]func(*User))}
}

func (a *authState) setReady(ready bool) {
	a.mu.Lock()
	a.ready = ready
	a.mu.Unlock()
}

func (a *authState) isReady() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

func (a *authState) current() *User {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.user == nil {
		return nil
	}
	u := *a.user
	return &u
}

func (a *authState) setUser(u *User) {
	a.mu.Lock()
	a.user = u
	fns := make([]func(*User), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func (a *authState) subscribe(fn func(*User)) UnsubscribeFunc {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// tokenExpiry reads the exp claim without verifying the signature. The
// client is not the trust boundary; it only needs to know when to
// re-authenticate.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// RESTAuthProvider authenticates against the self-hosted backend's /auth
// endpoints.
type RESTAuthProvider struct {
	rest   *restClient
	state  *authState
	logger Logger
}

func NewRESTAuthProvider(cfg SelfHostedConfig, logger Logger) *RESTAuthProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RESTAuthProvider{rest: newRESTClient(cfg), state: newAuthState(), logger: logger}
}

func (p *RESTAuthProvider) Initialize(ctx context.Context) error {
	p.state.setReady(true)
	return nil
}

func (p *RESTAuthProvider) IsReady() bool { return p.state.isReady() }

func (p *RESTAuthProvider) Dispose() error {
	p.state.setReady(false)
	p.state.setUser(nil)
	return nil
}

func (p *RESTAuthProvider) SignIn(ctx context.Context, email, password string) (*User, error) {
	if !p.state.isReady() {
		return nil, ErrNotInitialized
	}

	body := map[string]string{"email": email, "password": password}
	var result struct {
		Token string `json:"token"`
		User  struct {
			ID          string `json:"id"`
			Email       string `json:"email"`
			DisplayName string `json:"displayName"`
		} `json:"user"`
	}
	if err := p.rest.doJSON(ctx, http.MethodPost, "/auth/login", nil, body, &result); err != nil {
		return nil, err
	}

	user := &User{
		ID:          result.User.ID,
		Email:       result.User.Email,
		DisplayName: result.User.DisplayName,
		Token:       result.Token,
		ExpiresAt:   tokenExpiry(result.Token),
	}
	p.state.setUser(user)
	p.logger.Info("user signed in", "userId", user.ID)
	return user, nil
}

func (p *RESTAuthProvider) SignOut(ctx context.Context) error {
	if !p.state.isReady() {
		return ErrNotInitialized
	}
	p.state.setUser(nil)
	return nil
}

func (p *RESTAuthProvider) CurrentUser() *User { return p.state.current() }

func (p *RESTAuthProvider) OnAuthStateChange(fn func(*User)) UnsubscribeFunc {
	return p.state.subscribe(fn)
}

// SupabaseAuthProvider authenticates against GoTrue's password grant.
type SupabaseAuthProvider struct {
	cfg    SupabaseConfig
	client *http.Client
	state  *authState
	logger Logger
}

func NewSupabaseAuthProvider(cfg SupabaseConfig, logger Logger) *SupabaseAuthProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &SupabaseAuthProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.timeout()},
		state:  newAuthState(),
		logger: logger,
	}
}

func (p *SupabaseAuthProvider) Initialize(ctx context.Context) error {
	p.state.setReady(true)
	return nil
}

func (p *SupabaseAuthProvider) IsReady() bool { return p.state.isReady() }

func (p *SupabaseAuthProvider) Dispose() error {
	p.state.setReady(false)
	p.state.setUser(nil)
	p.client.CloseIdleConnections()
	return nil
}

func (p *SupabaseAuthProvider) SignIn(ctx context.Context, email, password string) (*User, error) {
	if !p.state.isReady() {
		return nil, ErrNotInitialized
	}

	body := map[string]string{"email": email, "password": password}
	var result struct {
		AccessToken string `json:"access_token"`
		User        struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	err := postJSON(ctx, p.client, p.cfg.URL+"/auth/v1/token?grant_type=password", map[string]string{
		"apikey": p.cfg.AnonKey,
	}, body, &result)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:        result.User.ID,
		Email:     result.User.Email,
		Token:     result.AccessToken,
		ExpiresAt: tokenExpiry(result.AccessToken),
	}
	p.state.setUser(user)
	p.logger.Info("user signed in", "userId", user.ID)
	return user, nil
}

func (p *SupabaseAuthProvider) SignOut(ctx context.Context) error {
	if !p.state.isReady() {
		return ErrNotInitialized
	}
	p.state.setUser(nil)
	return nil
}

func (p *SupabaseAuthProvider) CurrentUser() *User { return p.state.current() }

func (p *SupabaseAuthProvider) OnAuthStateChange(fn func(*User)) UnsubscribeFunc {
	return p.state.subscribe(fn)
}

// FirebaseAuthProvider authenticates through the Identity Toolkit REST API
// using the project's web API key.
type FirebaseAuthProvider struct {
	cfg    FirebaseConfig
	client *http.Client
	state  *authState
	logger Logger
}

func NewFirebaseAuthProvider(cfg FirebaseConfig, logger Logger) *FirebaseAuthProvider {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &FirebaseAuthProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: DefaultHTTPTimeout},
		state:  newAuthState(),
		logger: logger,
	}
}

func (p *FirebaseAuthProvider) Initialize(ctx context.Context) error {
	p.state.setReady(true)
	return nil
}

func (p *FirebaseAuthProvider) IsReady() bool { return p.state.isReady() }

func (p *FirebaseAuthProvider) Dispose() error {
	p.state.setReady(false)
	p.state.setUser(nil)
	p.client.CloseIdleConnections()
	return nil
}

func (p *FirebaseAuthProvider) SignIn(ctx context.Context, email, password string) (*User, error) {
	if !p.state.isReady() {
		return nil, ErrNotInitialized
	}

	endpoint := fmt.Sprintf(
		"https://identitytoolkit.googleapis.com/v1/accounts:signInWithPassword?key=%s", p.cfg.APIKey)
	body := map[string]interface{}{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}
	var result struct {
		LocalID     string `json:"localId"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		IDToken     string `json:"idToken"`
	}
	if err := postJSON(ctx, p.client, endpoint, nil, body, &result); err != nil {
		return nil, err
	}

	user := &User{
		ID:          result.LocalID,
		Email:       result.Email,
		DisplayName: result.DisplayName,
		Token:       result.IDToken,
		ExpiresAt:   tokenExpiry(result.IDToken),
	}
	p.state.setUser(user)
	p.logger.Info("user signed in", "userId", user.ID)
	return user, nil
}

func (p *FirebaseAuthProvider) SignOut(ctx context.Context) error {
	if !p.state.isReady() {
		return ErrNotInitialized
	}
	p.state.setUser(nil)
	return nil
}

func (p *FirebaseAuthProvider) CurrentUser() *User { return p.state.current() }

func (p *FirebaseAuthProvider) OnAuthStateChange(fn func(*User)) UnsubscribeFunc {
	return p.state.subscribe(fn)
}
