// Package listener owns the accept side: one net.Listener per distinct
// (address, port) pair in the registry, the SNI callback that resolves a
// per-connection TLS config from the registry, and the ALPN preference
// installed on each resolved config. Accepted connections are handed raw
// to a Dispatch callback; all protocol sniffing happens downstream in the
// connection driver.
package listener

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/WhileEndless/rawhttpd/internal/registry"
	"github.com/WhileEndless/rawhttpd/internal/reqres"
	rherrors "github.com/WhileEndless/rawhttpd/pkg/errors"
	"github.com/WhileEndless/rawhttpd/pkg/tlsconfig"
)

// Dispatch handles one accepted connection. tlsCfg is the SNI-dispatching
// config for the bind, nil for cleartext binds.
type Dispatch func(conn net.Conn, addr string, port int, tlsCfg *tls.Config)

// Supervisor owns the bound listeners and their accept loops.
type Supervisor struct {
	reg      *registry.Registry
	dispatch Dispatch

	// AcceptLimiter, if set, rate-limits Accept() across every bound
	// listener, protecting the process from reconnect storms.
	AcceptLimiter *rate.Limiter

	mu        sync.Mutex
	listeners map[string]net.Listener
	wg        sync.WaitGroup
}

// New creates a Supervisor bound to reg.
func New(reg *registry.Registry, dispatch Dispatch) *Supervisor {
	return &Supervisor{
		reg:       reg,
		dispatch:  dispatch,
		listeners: make(map[string]net.Listener),
	}
}

// EnsureBound opens a listener for every (addr, port) in the registry that
// doesn't have one yet. Called after each registration.
func (s *Supervisor) EnsureBound() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ctx := range s.reg.Contexts() {
		key := bindKey(ctx.Addr, ctx.Port)
		if _, ok := s.listeners[key]; ok {
			continue
		}

		ln, err := net.Listen("tcp", net.JoinHostPort(ctx.Addr, strconv.Itoa(ctx.Port)))
		if err != nil {
			return rherrors.NewConnectionError(ctx.Addr, ctx.Port, err)
		}
		s.listeners[key] = ln

		var tlsCfg *tls.Config
		if s.reg.HasTLS(ctx.Addr, ctx.Port) {
			tlsCfg = s.sniConfig(ctx.Addr, ctx.Port)
		}

		s.wg.Add(1)
		go s.acceptLoop(ln, ctx.Addr, ctx.Port, tlsCfg)
	}
	return nil
}

// Release closes the listener on (addr, port) once no context references
// it anymore. Called after a deregistration that reported the bind free.
func (s *Supervisor) Release(addr string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindKey(addr, port)
	if ln, ok := s.listeners[key]; ok {
		_ = ln.Close()
		delete(s.listeners, key)
	}
}

// sniConfig builds the bind-level TLS config whose GetConfigForClient
// resolves the ClientHello server name against the registry. An unknown
// name aborts the handshake rather than serving a wrong certificate.
func (s *Supervisor) sniConfig(addr string, port int) *tls.Config {
	base := &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			ctx := s.reg.LookupSNI(addr, port, hello.ServerName)
			if ctx == nil || ctx.TLSConfig == nil {
				return nil, rherrors.NewTLSError(hello.ServerName, port, nil)
			}
			return configWithALPN(ctx), nil
		},
	}
	tlsconfig.ApplyVersionProfile(base, tlsconfig.ProfileSecure)
	return base
}

// configWithALPN clones the context's TLS config and installs the ALPN
// preference list: h2 variants before http/1.1 unless HTTP/2 is disabled.
// A config that already names its protocols is left alone, which opts the
// context out of the engine's HTTP/2 negotiation.
func configWithALPN(ctx *registry.Context) *tls.Config {
	cfg := ctx.TLSConfig.Clone()
	if len(cfg.NextProtos) > 0 {
		return cfg
	}
	if ctx.Flags.Has(reqres.DisableHTTP2) {
		cfg.NextProtos = tlsconfig.ALPNProtosHTTP1
	} else {
		cfg.NextProtos = tlsconfig.ALPNProtosHTTP2
	}
	return cfg
}

func (s *Supervisor) acceptLoop(ln net.Listener, addr string, port int, tlsCfg *tls.Config) {
	defer s.wg.Done()
	for {
		if s.AcceptLimiter != nil {
			if err := s.AcceptLimiter.Wait(context.Background()); err != nil {
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.dispatch(conn, addr, port, tlsCfg)
	}
}

// Shutdown closes every bound listener, unblocking their accept loops.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	var firstErr error
	for key, ln := range s.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.listeners, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return firstErr
}

func bindKey(addr string, port int) string {
	return addr + ":" + strconv.Itoa(port)
}
