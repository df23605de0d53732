package pveinventory

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	resty "gopkg.in/resty.v1"
)

// ConnectTimeout bounds dialing and the TLS handshake of every request.
const ConnectTimeout = 5 * time.Second

// TransportConfig holds the connection settings of a Transport.
type TransportConfig struct {
	VerifyPeer bool           // check the certificate chain
	VerifyHost bool           // check that the certificate matches the host
	RootCAs    *x509.CertPool // optional, system pool if nil
	Timeout    time.Duration  // optional, overall request timeout
	Debug      bool           // resty request/response dumps
}

// Transport issues HTTP requests against one Proxmox VE host and keeps the
// cookies the host handed out. It knows nothing about the API's resources.
type Transport struct {
	host   string
	client *resty.Client
	log    *log.Logger

	mu      sync.Mutex
	cookies []string
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// NewTransport creates a transport for host. The resty client is created
// without a cookie jar, cookies are tracked by the transport itself.
func NewTransport(host string, cfg TransportConfig, logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.New("pve")
	}

	dialer := &net.Dialer{
		Timeout:   ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	client := resty.NewWithClient(&http.Client{})
	client.SetTransport(&http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: ConnectTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	})
	client.SetTLSClientConfig(tlsClientConfig(host, cfg))
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	client.SetLogger(logger.Output())
	client.SetDebug(cfg.Debug)
	client.SetHeader("Accept", "application/json")

	return &Transport{
		host:   host,
		client: client,
		log:    logger,
	}
}

// tlsClientConfig translates the two verification toggles. Go can only
// switch off all checks at once, so the remaining one is redone by hand.
func tlsClientConfig(host string, cfg TransportConfig) *tls.Config {
	conf := &tls.Config{RootCAs: cfg.RootCAs}
	if cfg.VerifyPeer && cfg.VerifyHost {
		return conf
	}

	conf.InsecureSkipVerify = true
	if !cfg.VerifyPeer && !cfg.VerifyHost {
		return conf
	}

	conf.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("tls: server did not present a certificate")
		}
		leaf := cs.PeerCertificates[0]

		if cfg.VerifyHost {
			return leaf.VerifyHostname(host)
		}

		intermediates := x509.NewCertPool()
		for _, cert := range cs.PeerCertificates[1:] {
			intermediates.AddCert(cert)
		}
		_, err := leaf.Verify(x509.VerifyOptions{
			Roots:         cfg.RootCAs,
			Intermediates: intermediates,
		})
		return err
	}

	return conf
}

// Request sends one request and returns the "data" member of the response.
// A 500 answer is not an error, some endpoints use it for "not applicable".
func (t *Transport) Request(ctx context.Context, method, rawURL string, query, form url.Values, headers map[string]string) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	req := t.client.R().
		SetContext(ctx).
		SetHeader("Host", t.host)

	if cookie := t.cookieHeader(); cookie != "" {
		req.SetHeader("Cookie", cookie)
	}
	req.SetHeaders(headers)

	if len(query) > 0 {
		req.SetMultiValueQueryParams(query)
	}
	if form != nil {
		req.SetMultiValueFormData(form)
	}

	response, err := req.Execute(method, rawURL)
	if err != nil {
		return nil, &TransportError{Method: method, URL: rawURL, Err: err}
	}

	t.captureCookies(response.Cookies())

	code := response.StatusCode()
	t.log.Debugf("%s %s -> %d", method, rawURL, code)

	switch {
	case code == http.StatusUnauthorized:
		return nil, &AuthenticationError{Method: method, URL: rawURL}
	case code == http.StatusInternalServerError:
		data, err := decodeData(response.Body())
		if err != nil {
			return nil, nil
		}
		return data, nil
	case code >= http.StatusBadRequest:
		return nil, &RequestError{
			Method: method,
			URL:    rawURL,
			Status: code,
			Body:   strings.TrimSpace(string(response.Body())),
		}
	}

	data, err := decodeData(response.Body())
	if err != nil {
		return nil, &MalformedResponseError{URL: rawURL, Err: err}
	}
	return data, nil
}

func decodeData(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if isEmptyData(env.Data) {
		return nil, nil
	}
	return env.Data, nil
}

func isEmptyData(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// AddCookie registers a cookie sent with every following request.
func (t *Transport) AddCookie(name, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cookies = append(t.cookies, name+"="+value)
}

// ClearCookies forgets all cookies.
func (t *Transport) ClearCookies() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cookies = nil
}

// Cookies returns the cookies in the order they were collected.
func (t *Transport) Cookies() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.cookies...)
}

func (t *Transport) captureCookies(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range cookies {
		t.cookies = append(t.cookies, c.Name+"="+c.Value)
	}
}

func (t *Transport) cookieHeader() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.cookies, "; ")
}
