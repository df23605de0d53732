package pveinventory

// Fake Proxmox VE API backed by the JSON fixtures in testdata. The fixtures
// are loaded once as a singleton and shared by all tests.

import (
	"context"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testUser     = "root"
	testRealm    = "pam"
	testPassword = "s3cr3t"
	testToken    = "inventory=0b8c5c44-62d2-4d52-9e3b-3ad4f1f5a4e2"

	testTicket = "PVE:root@pam:65A0B1C2::bG9uZ3NpZ25hdHVyZQ=="
	testCSRF   = "65A0B1C2:Y3NyZnRva2Vu"
)

var fixtures map[string][]byte
var once sync.Once

// getFixtures loads every file of testdata, keyed by file name.
func getFixtures(t *testing.T) map[string][]byte {
	once.Do(func() {
		entries, err := os.ReadDir("testdata")
		if err != nil {
			panic(err)
		}
		fixtures = make(map[string][]byte, len(entries))
		for _, entry := range entries {
			content, err := os.ReadFile(filepath.Join("testdata", entry.Name()))
			if err != nil {
				panic(err)
			}
			fixtures[entry.Name()] = content
		}
	})
	require.NotEmpty(t, fixtures)
	return fixtures
}

type route struct {
	status int
	file   string
}

// defaultRoutes maps "METHOD path?query" to a fixture. For POST requests the
// form takes the place of the query.
var defaultRoutes = map[string]route{
	"GET /version":                            {file: "version.json"},
	"GET /cluster/resources?type=vm":          {file: "cluster_resources_vm.json"},
	"GET /cluster/resources/?type=storage":    {file: "cluster_resources_storage.json"},
	"GET /nodes/pve1/qemu/100/status/current": {file: "qemu_100_status.json"},
	"GET /nodes/pve2/qemu/101/status/current": {file: "qemu_101_status.json"},
	"GET /nodes/pve2/lxc/200/status/current":  {file: "lxc_200_status.json"},
	"GET /nodes/pve1/qemu/100/config":         {file: "qemu_100_config.json"},
	"GET /nodes/pve2/qemu/101/config":         {file: "qemu_101_config.json"},
	"GET /nodes/pve2/lxc/200/config":          {file: "lxc_200_config.json"},

	"POST /nodes/pve1/qemu/100/agent?command=info":                   {file: "agent_100_info.json"},
	"POST /nodes/pve1/qemu/100/agent?command=network-get-interfaces": {file: "agent_100_network.json"},
	"POST /nodes/pve2/qemu/101/agent?command=info":                   {status: http.StatusInternalServerError, file: "agent_not_running.json"},

	"GET /nodes":                   {file: "nodes.json"},
	"GET /nodes/pve1/status":       {file: "node_pve1_status.json"},
	"GET /nodes/pve2/status":       {file: "node_pve2_status.json"},
	"GET /nodes/pve1/subscription": {file: "node_pve1_subscription.json"},
	"GET /nodes/pve2/subscription": {file: "node_pve2_subscription.json"},
	"GET /nodes/pve1/storage":      {file: "node_pve1_storage.json"},
	"GET /nodes/pve2/storage":      {file: "node_pve2_storage.json"},

	"GET /pools":      {file: "pools.json"},
	"GET /pools/prod": {file: "pool_prod.json"},
	"GET /pools/lab":  {file: "pool_lab.json"},
}

// fakePVE serves the fixtures over TLS and checks authentication the way the
// real API does: ticket cookie plus CSRF token on writes, or an API token.
type fakePVE struct {
	t        *testing.T
	srv      *httptest.Server
	fixtures map[string][]byte
	routes   map[string]route

	mu       sync.Mutex
	requests []string
	headers  []http.Header
}

func newFakePVE(t *testing.T) *fakePVE {
	f := &fakePVE{
		t:        t,
		fixtures: getFixtures(t),
		routes:   make(map[string]route, len(defaultRoutes)),
	}
	for key, r := range defaultRoutes {
		f.routes[key] = r
	}
	f.srv = httptest.NewTLSServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePVE) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api2/json")
	key := r.Method + " " + path
	params := r.URL.Query()
	if r.Method == http.MethodPost {
		params = r.PostForm
	}
	if path != "/access/ticket" && len(params) > 0 {
		key += "?" + params.Encode()
	}

	f.mu.Lock()
	f.requests = append(f.requests, key)
	f.headers = append(f.headers, r.Header.Clone())
	f.mu.Unlock()

	if path == "/access/ticket" && r.Method == http.MethodPost {
		f.login(w, r)
		return
	}

	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	rt, ok := f.routes[key]
	f.mu.Unlock()
	if !ok {
		http.Error(w, `{"data":null,"errors":{"path":"no such route"}}`, http.StatusNotImplemented)
		return
	}

	f.write(w, rt)
}

func (f *fakePVE) login(w http.ResponseWriter, r *http.Request) {
	if r.PostForm.Get("username") != testUser ||
		r.PostForm.Get("realm") != testRealm ||
		r.PostForm.Get("password") != testPassword {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	rt, ok := f.routes["POST /access/ticket"]
	f.mu.Unlock()
	if !ok {
		rt = route{file: "access_ticket.json"}
	}
	f.write(w, rt)
}

func (f *fakePVE) authorized(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth == "PVEAPIToken="+testUser+"@"+testRealm+"!"+testToken
	}

	cookie, err := r.Cookie("PVEAuthCookie")
	if err != nil || cookie.Value != testTicket {
		return false
	}
	if r.Method != http.MethodGet && r.Header.Get("CSRFPreventionToken") != testCSRF {
		return false
	}
	return true
}

func (f *fakePVE) write(w http.ResponseWriter, rt route) {
	body, ok := f.fixtures[rt.file]
	if !ok {
		body = []byte(rt.file)
	}
	status := rt.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// setRoute overrides a route. An unknown file name is served verbatim.
func (f *fakePVE) setRoute(key string, status int, file string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[key] = route{status: status, file: file}
}

// Requests returns the routing keys of all requests received so far.
func (f *fakePVE) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakePVE) lastHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.headers) == 0 {
		return nil
	}
	return f.headers[len(f.headers)-1]
}

func (f *fakePVE) count(key string) int {
	n := 0
	for _, req := range f.Requests() {
		if req == key {
			n++
		}
	}
	return n
}

func (f *fakePVE) hostPort() (string, int) {
	u, err := url.Parse(f.srv.URL)
	require.NoError(f.t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(f.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(f.t, err)
	return host, port
}

func (f *fakePVE) rootCAs() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(f.srv.Certificate())
	return pool
}

// credentials returns working password credentials for the fake API.
func (f *fakePVE) credentials() Credentials {
	host, port := f.hostPort()
	return Credentials{
		Host:     host,
		Port:     port,
		Realm:    testRealm,
		Username: testUser,
		Password: testPassword,
	}
}

// newClient returns a client trusting the fake API's certificate.
func (f *fakePVE) newClient(creds Credentials, opts ...Option) *Client {
	opts = append([]Option{WithRootCAs(f.rootCAs())}, opts...)
	c, err := NewClient(creds, opts...)
	require.NoError(f.t, err)
	return c
}

// EstablishConnection returns a client logged in with a ticket.
func (f *fakePVE) EstablishConnection() *Client {
	c := f.newClient(f.credentials())
	require.NoError(f.t, c.Login(context.Background()))
	require.True(f.t, c.LoggedIn())
	return c
}
