package pveinventory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TicketLifetime is how long a ticket issued by /access/ticket is accepted.
const TicketLifetime = 7200 * time.Second

// AuthMode selects how requests are authenticated.
type AuthMode int

const (
	ModeTicket AuthMode = iota
	ModeToken
)

func (m AuthMode) String() string {
	switch m {
	case ModeTicket:
		return "ticket"
	case ModeToken:
		return "token"
	}
	return ""
}

// SessionState is the login state of a session.
type SessionState int

const (
	StateLoggedOut SessionState = iota
	StateAuthenticating
	StateActive
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateLoggedOut:
		return "logged out"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	}
	return ""
}

// Ticket is the credential returned by a password login.
type Ticket struct {
	Value               string
	CSRFPreventionToken string
	IssuedAt            time.Time
}

// accessTicketResponse represents the returned data from /access/ticket
type accessTicketResponse struct {
	Username            string `json:"username"`
	CSRFPreventionToken string `json:"CSRFPreventionToken"`
	Ticket              string `json:"ticket"`
}

type requester interface {
	Request(ctx context.Context, method, rawURL string, query, form url.Values, headers map[string]string) (json.RawMessage, error)
	AddCookie(name, value string)
	ClearCookies()
}

// Session owns the authentication state of one client. It is not safe for
// concurrent use, the Client serialises access to it.
type Session struct {
	realm    string
	username string

	mode     AuthMode
	ticket   *Ticket
	token    string
	state    SessionState
	loginURL string

	transport requester
	now       func() time.Time
	logf      func(format string, args ...interface{})
}

func newSession(realm, username, loginURL string, transport requester) *Session {
	return &Session{
		realm:     realm,
		username:  username,
		loginURL:  loginURL,
		transport: transport,
		now:       time.Now,
		logf:      func(string, ...interface{}) {},
	}
}

// Mode returns the authentication mode of the last login.
func (s *Session) Mode() AuthMode {
	return s.mode
}

// Ticket returns a copy of the current ticket, nil if there is none.
func (s *Session) Ticket() *Ticket {
	if s.ticket == nil {
		return nil
	}
	t := *s.ticket
	return &t
}

// State reports the session state without invalidating anything.
func (s *Session) State() SessionState {
	switch {
	case s.token != "":
		return StateActive
	case s.state == StateAuthenticating:
		return StateAuthenticating
	case s.ticket == nil:
		return s.state
	case s.now().Sub(s.ticket.IssuedAt) < TicketLifetime:
		return StateActive
	default:
		return StateExpired
	}
}

// HasValidTicket reports whether a ticket exists that was issued less than
// TicketLifetime ago. Otherwise the ticket and all cookies are dropped.
func (s *Session) HasValidTicket() bool {
	if s.ticket != nil && s.now().Sub(s.ticket.IssuedAt) < TicketLifetime {
		return true
	}

	if s.ticket != nil {
		s.logf("ticket for %s@%s issued at %s expired", s.username, s.realm, s.ticket.IssuedAt.Format(time.RFC3339))
		s.state = StateExpired
	}
	s.ticket = nil
	s.transport.ClearCookies()
	return false
}

// LoginWithPassword requests a new ticket unless a valid one is present.
// A response without ticket data leaves the session logged out without
// returning an error, following requests will simply yield no data.
func (s *Session) LoginWithPassword(ctx context.Context, password string) error {
	s.mode = ModeTicket
	s.token = ""
	if s.HasValidTicket() {
		return nil
	}

	s.state = StateAuthenticating

	form := url.Values{}
	form.Set("realm", s.realm)
	form.Set("username", s.username)
	form.Set("password", password)

	data, err := s.transport.Request(ctx, http.MethodPost, s.loginURL, nil, form, nil)
	if err != nil {
		s.state = StateLoggedOut
		return fmt.Errorf("failed to request ticket: %w", err)
	}

	var outp accessTicketResponse
	if data != nil {
		if err := json.Unmarshal(data, &outp); err != nil {
			s.state = StateLoggedOut
			return &MalformedResponseError{URL: s.loginURL, Err: err}
		}
	}
	if outp.Ticket == "" {
		s.state = StateLoggedOut
		s.logf("no ticket returned for %s@%s", s.username, s.realm)
		return nil
	}

	s.ticket = &Ticket{
		Value:               outp.Ticket,
		CSRFPreventionToken: outp.CSRFPreventionToken,
		IssuedAt:            s.now(),
	}
	s.state = StateActive
	s.transport.AddCookie("PVEAuthCookie", outp.Ticket)

	return nil
}

// LoginWithToken switches the session to API token authentication. A ticket
// from an earlier password login is dropped together with its cookie.
func (s *Session) LoginWithToken(token string) {
	s.mode = ModeToken
	s.token = token
	s.ticket = nil
	s.transport.ClearCookies()
	s.state = StateActive
}

// Logout drops ticket, token and cookies.
func (s *Session) Logout() {
	s.ticket = nil
	s.token = ""
	s.state = StateLoggedOut
	s.transport.ClearCookies()
}

// usable reports whether a request may be sent at all.
func (s *Session) usable() bool {
	return s.token != "" || s.HasValidTicket()
}

// Headers returns the authentication headers of the next request: either the
// API token or the CSRF token of the ticket, never both.
func (s *Session) Headers() map[string]string {
	if s.token != "" {
		return map[string]string{
			"Authorization": fmt.Sprintf("PVEAPIToken=%s@%s!%s", s.username, s.realm, s.token),
		}
	}
	if s.ticket != nil {
		return map[string]string{
			"CSRFPreventionToken": s.ticket.CSRFPreventionToken,
		}
	}
	return map[string]string{}
}
