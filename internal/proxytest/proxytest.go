// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxytest runs loopback proxies for tests.
package proxytest

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/things-go/go-socks5"
)

// Proxy is a running loopback proxy.
type Proxy struct {
	// Addr is the host:port the proxy listens on.
	Addr string
	// Tunnels counts the upstream connections the proxy opened.
	Tunnels atomic.Int64
	// CertificatePEM is the self-signed certificate of a TLS proxy. It is valid for
	// [TLSProxyName] and 127.0.0.1.
	CertificatePEM []byte
}

// TLSProxyName is the DNS name in the certificate of [NewTLSConnectProxy].
const TLSProxyName = "proxy.test"

// RefusedAddr returns a loopback address where connections are refused.
func RefusedAddr(tb testing.TB) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()
	return addr
}

// NewSOCKS5Proxy starts a SOCKS5 server. If username is not empty, it requires username/password
// authentication.
func NewSOCKS5Proxy(tb testing.TB, username, password string) *Proxy {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}
	proxy := &Proxy{Addr: listener.Addr().String()}
	opts := []socks5.Option{
		socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			proxy.Tunnels.Add(1)
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}),
	}
	if username != "" {
		cator := socks5.UserPassAuthenticator{Credentials: socks5.StaticCredentials{username: password}}
		opts = append(opts, socks5.WithAuthMethods([]socks5.Authenticator{cator}))
	}
	server := socks5.NewServer(opts...)

	var running sync.WaitGroup
	running.Add(1)
	go func() {
		defer running.Done()
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			tb.Logf("SOCKS5 server failed: %v", err)
		}
	}()
	tb.Cleanup(func() {
		listener.Close()
		running.Wait()
	})
	return proxy
}

// NewConnectProxy starts an HTTP CONNECT proxy. If username is not empty, it requires Basic
// Proxy-Authorization.
func NewConnectProxy(tb testing.TB, username, password string) *Proxy {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}
	proxy := &Proxy{Addr: listener.Addr().String()}
	proxy.serveConnectListener(tb, listener, username, password)
	return proxy
}

// NewTLSConnectProxy starts an HTTP CONNECT proxy that clients reach over TLS, with a fresh
// self-signed certificate in [Proxy.CertificatePEM].
func NewTLSConnectProxy(tb testing.TB, username, password string) *Proxy {
	cert, certPEM := newSelfSignedCert(tb)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}
	proxy := &Proxy{Addr: listener.Addr().String(), CertificatePEM: certPEM}
	proxy.serveConnectListener(tb, listener, username, password)
	return proxy
}

func newSelfSignedCert(tb testing.TB) (tls.Certificate, []byte) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: TLSProxyName},
		DNSNames:              []string{TLSProxyName},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		tb.Fatalf("failed to create certificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func (p *Proxy) serveConnectListener(tb testing.TB, listener net.Listener, username, password string) {
	var wantAuth string
	if username != "" {
		wantAuth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	var (
		running sync.WaitGroup
		mu      sync.Mutex
		active  = make(map[net.Conn]struct{})
	)
	running.Add(1)
	go func() {
		defer running.Done()
		for {
			clientConn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			active[clientConn] = struct{}{}
			mu.Unlock()
			running.Add(1)
			go func() {
				defer running.Done()
				defer func() {
					mu.Lock()
					delete(active, clientConn)
					mu.Unlock()
					clientConn.Close()
				}()
				p.serveConnect(clientConn, wantAuth)
			}()
		}
	}()
	tb.Cleanup(func() {
		listener.Close()
		// Idle keep-alive tunnels would otherwise hold the wait forever.
		mu.Lock()
		for conn := range active {
			conn.Close()
		}
		mu.Unlock()
		running.Wait()
	})
}

func (p *Proxy) serveConnect(clientConn net.Conn, wantAuth string) {
	reader := bufio.NewReader(clientConn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}
	if req.Method != http.MethodConnect {
		io.WriteString(clientConn, "HTTP/1.1 405 Method Not Allowed\r\nContent-Length: 0\r\n\r\n")
		return
	}
	if wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth {
		io.WriteString(clientConn, "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n")
		return
	}
	p.Tunnels.Add(1)
	targetConn, err := net.Dial("tcp", req.Host)
	if err != nil {
		io.WriteString(clientConn, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer targetConn.Close()
	if _, err := io.WriteString(clientConn, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return
	}

	var copying sync.WaitGroup
	copying.Add(1)
	go func() {
		defer copying.Done()
		io.Copy(targetConn, reader)
		if tc, ok := targetConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	io.Copy(clientConn, targetConn)
	clientConn.Close()
	copying.Wait()
}
