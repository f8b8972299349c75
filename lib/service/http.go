// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPServer serves the Patchflow HTTP surface (webhook ingestion and
// operator endpoints) on a TCP listener. It owns listener lifecycle:
// Serve(ctx) blocks until the context is cancelled, then drains
// in-flight requests before returning. Routing and request handling
// belong to the caller's http.Handler.
type HTTPServer struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	// drainTimeout caps how long shutdown waits for in-flight
	// requests.
	drainTimeout time.Duration

	// ready closes once the listener is bound; addr is valid from
	// then on.
	ready chan struct{}
	addr  net.Addr
}

// HTTPServerConfig configures an HTTPServer.
type HTTPServerConfig struct {
	// Address is the TCP listen address (":8484", "127.0.0.1:0").
	// Required.
	Address string

	// Handler receives all requests. Required.
	Handler http.Handler

	// ShutdownTimeout caps graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewHTTPServer creates a server for the configured address. Call
// Serve to start accepting connections.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	if config.Address == "" {
		panic("service.HTTPServer: Address is required")
	}
	if config.Handler == nil {
		panic("service.HTTPServer: Handler is required")
	}
	if config.Logger == nil {
		panic("service.HTTPServer: Logger is required")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPServer{
		address:      config.Address,
		handler:      config.Handler,
		logger:       config.Logger,
		drainTimeout: timeout,
		ready:        make(chan struct{}),
	}
}

// Ready returns a channel that closes once the listener is bound and
// accepting connections.
func (s *HTTPServer) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Valid only after Ready()
// has closed; with a ":0" address this carries the OS-assigned port.
func (s *HTTPServer) Addr() net.Addr { return s.addr }

// Serve binds the listener, signals readiness, and accepts
// connections until ctx is cancelled. On cancellation it stops
// accepting and waits up to the shutdown timeout for active requests
// to finish.
func (s *HTTPServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Webhook payloads and operator messages are small; these
		// timeouts exist to shed slow clients, not to accommodate
		// large transfers.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	s.logger.Info("http server stopped")
	return nil
}

// VerifyWebhookHMAC checks an HMAC-SHA256 signature over a webhook
// body. The signature is the hex digest, with or without the
// "sha256=" prefix GitHub sends. The comparison is constant-time and
// the returned error never contains the expected digest.
func VerifyWebhookHMAC(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("webhook HMAC: secret is empty")
	}
	if len(body) == 0 {
		return errors.New("webhook HMAC: body is empty")
	}
	if signature == "" {
		return errors.New("webhook HMAC: signature is empty")
	}

	signatureBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("webhook HMAC: invalid hex signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), signatureBytes) != 1 {
		return errors.New("webhook HMAC: signature mismatch")
	}
	return nil
}
