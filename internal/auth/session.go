package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gorilla/sessions"

	"devvelocity/internal/types"
)

const (
	sessionCookie = "dv_session"
	stateCookie   = "dv_sso_state"

	// SessionTTL bounds an SSO session; the IdP is consulted again after it.
	SessionTTL = 8 * time.Hour
	// LoginStateTTL bounds the round trip to the IdP.
	LoginStateTTL = 10 * time.Minute

	keyOrgID    = "org_id"
	keyEmail    = "email"
	keyState    = "state"
	keyNonce    = "nonce"
	keyIssuedAt = "iat"
)

// Session is the identity carried by the SSO session cookie.
type Session struct {
	OrganizationID string
	Email          string
}

// LoginState binds an IdP redirect to its callback.
type LoginState struct {
	State          string
	Nonce          string
	OrganizationID string
}

// SessionStore keeps SSO sessions in signed, encrypted cookies.
type SessionStore struct {
	store  *sessions.CookieStore
	secure bool
	clock  types.Clock
}

// NewSessionStore derives the cookie keys from secret, which must be at
// least 32 bytes. secure marks cookies Secure and lets the login state
// cookie survive the cross-site SAML POST.
func NewSessionStore(secret types.SecretString, secure bool, clock types.Clock) (*SessionStore, error) {
	hashKey := []byte(secret.Unmask())
	if len(hashKey) < 32 {
		return nil, types.NewAppError(types.ErrCodeInternalConfig, "SESSION_SECRET must be at least 32 bytes", nil)
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	blockKey := sha256.Sum256(append([]byte("devvelocity/session/"), hashKey...))

	store := sessions.NewCookieStore(hashKey, blockKey[:])
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(int(SessionTTL.Seconds()))
	return &SessionStore{store: store, secure: secure, clock: clock}, nil
}

// Save writes the session cookie.
func (s *SessionStore) Save(w http.ResponseWriter, r *http.Request, sess Session) error {
	cookie, _ := s.store.Get(r, sessionCookie)
	cookie.Values[keyOrgID] = sess.OrganizationID
	cookie.Values[keyEmail] = CanonicalizeEmail(sess.Email)
	return cookie.Save(r, w)
}

// Load reads the session cookie. Missing, tampered and expired cookies all
// report false.
func (s *SessionStore) Load(r *http.Request) (Session, bool) {
	cookie, err := s.store.Get(r, sessionCookie)
	if err != nil || cookie.IsNew {
		return Session{}, false
	}
	orgID, _ := cookie.Values[keyOrgID].(string)
	email, _ := cookie.Values[keyEmail].(string)
	if orgID == "" || email == "" {
		return Session{}, false
	}
	return Session{OrganizationID: orgID, Email: email}, true
}

// Clear expires the session cookie.
func (s *SessionStore) Clear(w http.ResponseWriter, r *http.Request) error {
	cookie, _ := s.store.Get(r, sessionCookie)
	cookie.Values = map[any]any{}
	cookie.Options.MaxAge = -1
	return cookie.Save(r, w)
}

// SaveLoginState stores st until the IdP redirects back.
func (s *SessionStore) SaveLoginState(w http.ResponseWriter, r *http.Request, st LoginState) error {
	cookie, _ := s.store.Get(r, stateCookie)
	cookie.Values[keyState] = st.State
	cookie.Values[keyNonce] = st.Nonce
	cookie.Values[keyOrgID] = st.OrganizationID
	cookie.Values[keyIssuedAt] = s.clock.Now().Unix()
	cookie.Options.MaxAge = int(LoginStateTTL.Seconds())
	if s.secure {
		cookie.Options.SameSite = http.SameSiteNoneMode
	}
	return cookie.Save(r, w)
}

// TakeLoginState returns the stored login state when it matches state and
// has not expired. The cookie is cleared either way.
func (s *SessionStore) TakeLoginState(w http.ResponseWriter, r *http.Request, state string) (LoginState, error) {
	cookie, err := s.store.Get(r, stateCookie)
	invalid := types.NewAppError(types.ErrCodeAuthSSOFailed, "sign-in attempt is missing or has expired", nil)
	if err != nil || cookie.IsNew {
		return LoginState{}, invalid
	}

	st := LoginState{}
	st.State, _ = cookie.Values[keyState].(string)
	st.Nonce, _ = cookie.Values[keyNonce].(string)
	st.OrganizationID, _ = cookie.Values[keyOrgID].(string)
	issued, _ := cookie.Values[keyIssuedAt].(int64)

	cookie.Values = map[any]any{}
	cookie.Options.MaxAge = -1
	if err := cookie.Save(r, w); err != nil {
		return LoginState{}, err
	}

	if st.State == "" || subtle.ConstantTimeCompare([]byte(st.State), []byte(state)) != 1 {
		return LoginState{}, invalid
	}
	if s.clock.Now().Sub(time.Unix(issued, 0)) > LoginStateTTL {
		return LoginState{}, invalid
	}
	return st, nil
}

// EmailMemberLookup finds a membership by the email an IdP asserted.
type EmailMemberLookup interface {
	GetActiveByEmail(ctx context.Context, orgID, email string) (*types.Member, error)
}

// SessionAuthenticator turns a session cookie into an Actor. The role is
// read from the live membership so removals take effect immediately.
type SessionAuthenticator struct {
	sessions *SessionStore
	members  EmailMemberLookup
}

func NewSessionAuthenticator(sessions *SessionStore, members EmailMemberLookup) *SessionAuthenticator {
	return &SessionAuthenticator{sessions: sessions, members: members}
}

// Resolve reports found=false when the request carries no usable session.
func (a *SessionAuthenticator) Resolve(r *http.Request) (actor *types.Actor, found bool, err error) {
	sess, ok := a.sessions.Load(r)
	if !ok {
		return nil, false, nil
	}
	m, err := a.members.GetActiveByEmail(r.Context(), sess.OrganizationID, sess.Email)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundMember) {
			return nil, true, types.NewAppError(types.ErrCodeAuthNotMember, "session no longer has access to this organization", nil)
		}
		return nil, true, err
	}
	return &types.Actor{
		UserID:         m.UserID,
		Email:          sess.Email,
		Type:           types.ActorTypeSSO,
		OrganizationID: m.OrganizationID,
		Role:           m.Role,
	}, true, nil
}
