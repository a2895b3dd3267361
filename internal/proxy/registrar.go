// Package proxy publishes HTTP-mode instances on the reverse proxy.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/csai/chall-instancer/internal/config"
)

// Route maps a public Domain to a Target ip:port on the challenge network.
type Route struct {
	Name   string
	Domain string
	Target string
}

// Registrar keeps a route table that is the desired state of the proxy.
// UnregisterRoute always drops the route from the table, even when
// publishing fails, so a later publish can never resurrect it.
type Registrar interface {
	RegisterRoute(ctx context.Context, r Route) error
	UnregisterRoute(ctx context.Context, name string) error
	// StageRoute adds r to the table without publishing it and reports
	// whether the table changed.
	StageRoute(r Route) bool
	// Flush publishes the table if it holds unpublished changes.
	Flush(ctx context.Context) error
}

// New returns the registrar for cfg.Mode.
func New(cfg config.ProxyConfig) Registrar {
	if strings.EqualFold(cfg.Mode, "frp") {
		return NewFRP(cfg, nil)
	}
	return NewMock()
}

// Mock keeps routes in memory.
type Mock struct {
	mu     sync.Mutex
	routes map[string]Route
}

func NewMock() *Mock {
	return &Mock{routes: map[string]Route{}}
}

func (m *Mock) RegisterRoute(_ context.Context, r Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.Name] = r
	return nil
}

func (m *Mock) UnregisterRoute(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, name)
	return nil
}

func (m *Mock) StageRoute(r Route) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.routes[r.Name]; ok && cur == r {
		return false
	}
	m.routes[r.Name] = r
	return true
}

func (m *Mock) Flush(context.Context) error { return nil }

func (m *Mock) Routes() map[string]Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Route, len(m.routes))
	for k, v := range m.routes {
		out[k] = v
	}
	return out
}

// FRP drives a frpc client through its admin API. frpc has no per-proxy
// endpoint, so every change re-renders and uploads the whole config. dirty
// is set whenever frpc may disagree with the table.
type FRP struct {
	cfg    config.ProxyConfig
	client *http.Client

	mu     sync.Mutex
	routes map[string]Route
	dirty  bool
	pushes int
}

func NewFRP(cfg config.ProxyConfig, httpClient *http.Client) *FRP {
	if httpClient == nil {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &FRP{cfg: cfg, client: httpClient, routes: map[string]Route{}}
}

// RegisterRoute publishes r. An identical, already published route is a
// no-op. On failure the route is left out of the table.
func (f *FRP) RegisterRoute(ctx context.Context, r Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.routes[r.Name]
	if had && prev == r && !f.dirty {
		return nil
	}
	f.routes[r.Name] = r
	if err := f.publish(ctx); err != nil {
		if had {
			f.routes[r.Name] = prev
		} else {
			delete(f.routes, r.Name)
		}
		return err
	}
	return nil
}

// UnregisterRoute removes name from the table before publishing. A failed
// publish is returned but the route stays gone; the next publish or Flush
// brings frpc in line.
func (f *FRP) UnregisterRoute(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, had := f.routes[name]; !had {
		return nil
	}
	delete(f.routes, name)
	return f.publish(ctx)
}

func (f *FRP) StageRoute(r Route) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.routes[r.Name]; ok && cur == r {
		return false
	}
	f.routes[r.Name] = r
	f.dirty = true
	return true
}

func (f *FRP) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil
	}
	return f.publish(ctx)
}

// Pushes counts config uploads attempted so far.
func (f *FRP) Pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

// publish must run with mu held.
func (f *FRP) publish(ctx context.Context) error {
	f.pushes++
	if err := f.push(ctx); err != nil {
		f.dirty = true
		return err
	}
	f.dirty = false
	return nil
}

// Render returns the frpc config for the current route table.
func (f *FRP) Render() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.render()
}

func (f *FRP) render() string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(f.cfg.FRPConfigTemplate, "\n"))
	b.WriteString("\n")
	names := make([]string, 0, len(f.routes))
	for n := range f.routes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		r := f.routes[n]
		host, port, _ := strings.Cut(r.Target, ":")
		fmt.Fprintf(&b, "\n[http_%s]\n", r.Name)
		b.WriteString("type = http\n")
		fmt.Fprintf(&b, "local_ip = %s\n", host)
		fmt.Fprintf(&b, "local_port = %s\n", port)
		fmt.Fprintf(&b, "custom_domains = %s\n", r.Domain)
		b.WriteString("use_compression = true\n")
	}
	return b.String()
}

func (f *FRP) push(ctx context.Context) error {
	base := strings.TrimRight(f.cfg.FRPAdminURL, "/")
	if err := f.do(ctx, http.MethodPut, base+"/api/config", []byte(f.render())); err != nil {
		return fmt.Errorf("frp update config: %w", err)
	}
	if err := f.do(ctx, http.MethodGet, base+"/api/reload", nil); err != nil {
		return fmt.Errorf("frp reload: %w", err)
	}
	return nil
}

func (f *FRP) do(ctx context.Context, method, url string, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if f.cfg.FRPAdminUser != "" {
		req.SetBasicAuth(f.cfg.FRPAdminUser, f.cfg.FRPAdminPassword)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
