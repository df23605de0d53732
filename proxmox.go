package pveinventory

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

// Credentials identify the API endpoint and the user. Either Password or Token
// is used, depending on which login is performed.
type Credentials struct {
	Host     string
	Port     int    // default 8006
	Realm    string // default pam
	Username string // default root
	Password string
	Token    string // token secret in the form <tokenid>=<uuid>
}

// Client combines a Transport and a Session into typed endpoint calls. A
// Client owns its session, fetches on one Client never run interleaved.
type Client struct {
	creds  Credentials
	scheme string
	prefix string // if PVE is proxied, this is the added prefix

	transport *Transport
	session   *Session
	log       *log.Logger

	mu      sync.Mutex // guards session and transport state per request
	fetchMu sync.Mutex // held for the duration of a whole fetch
}

type clientOptions struct {
	transport TransportConfig
	scheme    string
	prefix    string
	logger    *log.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

// WithVerifyPeer toggles certificate chain verification (default on).
func WithVerifyPeer(verify bool) Option {
	return func(o *clientOptions) { o.transport.VerifyPeer = verify }
}

// WithVerifyHost toggles certificate hostname verification (default on).
func WithVerifyHost(verify bool) Option {
	return func(o *clientOptions) { o.transport.VerifyHost = verify }
}

// WithRootCAs replaces the system root pool.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(o *clientOptions) { o.transport.RootCAs = pool }
}

// WithTimeout bounds every request as a whole.
func WithTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) { o.transport.Timeout = timeout }
}

// WithScheme overrides "https", e.g. behind a TLS terminating proxy.
func WithScheme(scheme string) Option {
	return func(o *clientOptions) { o.scheme = scheme }
}

// WithPrefix sets a path prefix in front of api2/json.
func WithPrefix(prefix string) Option {
	return func(o *clientOptions) { o.prefix = prefix }
}

// WithLogger replaces the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithDebug enables debug logging and resty request dumps.
func WithDebug(debug bool) Option {
	return func(o *clientOptions) { o.transport.Debug = debug }
}

// NewClient creates a client for the given credentials. No request is sent
// before one of the login methods is called.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	if len(creds.Host) == 0 {
		return nil, errors.New("you have to provide a host")
	}
	if creds.Port == 0 {
		creds.Port = 8006
	}
	if len(creds.Username) == 0 {
		creds.Username = "root"
	}
	if len(creds.Realm) == 0 {
		creds.Realm = "pam"
	}

	o := clientOptions{
		transport: TransportConfig{VerifyPeer: true, VerifyHost: true},
		scheme:    "https",
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = log.New("pve")
	}
	if o.transport.Debug {
		logger.SetLevel(log.DEBUG)
	}

	c := &Client{
		creds:     creds,
		scheme:    o.scheme,
		prefix:    strings.Trim(o.prefix, "/"),
		transport: NewTransport(creds.Host, o.transport, logger),
		log:       logger,
	}
	c.session = newSession(creds.Realm, creds.Username, c.getURL("/access/ticket"), c.transport)
	c.session.logf = logger.Warnf

	return c, nil
}

func (c *Client) getURL(path string) string {
	prefix := c.prefix
	if prefix != "" {
		prefix += "/"
	}
	return fmt.Sprintf("%s://%s:%d/%sapi2/json%s", c.scheme, c.creds.Host, c.creds.Port, prefix, path)
}

func (c *Client) debugf(format string, v ...interface{}) {
	c.log.Debugf(format, v...)
}

// Login authenticates with the API token if one was configured and with the
// password otherwise.
func (c *Client) Login(ctx context.Context) error {
	if len(c.creds.Token) > 0 {
		c.LoginWithToken(c.creds.Token)
		return nil
	}
	if len(c.creds.Password) == 0 {
		return errors.New("you have to provide a password or an API token")
	}
	return c.LoginWithPassword(ctx, c.creds.Password)
}

// LoginWithPassword obtains a ticket, see Session.LoginWithPassword.
func (c *Client) LoginWithPassword(ctx context.Context, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugf("logging in as %s@%s with password", c.creds.Username, c.creds.Realm)
	return c.session.LoginWithPassword(ctx, password)
}

// LoginWithToken switches to API token authentication.
func (c *Client) LoginWithToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugf("logging in as %s@%s with API token", c.creds.Username, c.creds.Realm)
	c.session.LoginWithToken(token)
}

// Logout ends the session and forgets all cookies.
func (c *Client) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Logout()
}

// LoggedIn reports whether requests would currently be sent.
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.usable()
}

// SessionState reports the state of the client's session.
func (c *Client) SessionState() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State()
}

// Get issues a GET and returns the "data" member of the response.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.request(ctx, http.MethodGet, path, query, nil)
}

// Post issues a form encoded POST and returns the "data" member of the response.
func (c *Client) Post(ctx context.Context, path string, form url.Values) (json.RawMessage, error) {
	if form == nil {
		form = url.Values{}
	}
	return c.request(ctx, http.MethodPost, path, nil, form)
}

// request yields no data without error if the session is not usable.
func (c *Client) request(ctx context.Context, method, path string, query, form url.Values) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.session.usable() {
		c.debugf("not logged in, skipping %s %s", method, path)
		return nil, nil
	}

	return c.transport.Request(ctx, method, c.getURL(path), query, form, c.session.Headers())
}

func (c *Client) get(ctx context.Context, path string, query url.Values, output interface{}) error {
	data, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	return c.decode(path, data, output)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, output interface{}) error {
	data, err := c.Post(ctx, path, form)
	if err != nil {
		return err
	}
	return c.decode(path, data, output)
}

// decode leaves output untouched when there is no data.
func (c *Client) decode(path string, data json.RawMessage, output interface{}) error {
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, output); err != nil {
		return &MalformedResponseError{URL: c.getURL(path), Err: err}
	}
	return nil
}

// VersionInfo represents the returned data from /version
type VersionInfo struct {
	Release string `json:"release" yaml:"release"`
	RepoID  string `json:"repoid" yaml:"repoid"`
	Version string `json:"version" yaml:"version"`
}

// Version returns the API version details of the connected host.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	outp := VersionInfo{}
	if err := c.get(ctx, "/version", nil, &outp); err != nil {
		return nil, err
	}
	return &outp, nil
}
