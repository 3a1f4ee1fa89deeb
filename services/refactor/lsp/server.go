// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ServerState is the lifecycle state of a Server.
type ServerState int

const (
	ServerStateUninitialized ServerState = iota
	ServerStateStarting
	ServerStateReady
	ServerStateStopping
	ServerStateStopped
)

// String returns a human-readable state name.
func (s ServerState) String() string {
	names := []string{"uninitialized", "starting", "ready", "stopping", "stopped"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// ServerConfig describes the language server process.
type ServerConfig struct {
	// Command is the server binary, looked up on PATH.
	Command string

	// Args are passed to Command.
	Args []string

	// Root is the absolute workspace root.
	Root string

	// Logger for server lifecycle events. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Server runs a language server process for the lifetime of an apply
// session.
//
// Thread Safety:
//
//	Safe for concurrent use after Start returns.
type Server struct {
	config ServerConfig
	logger *slog.Logger

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	protocol *Protocol

	state   ServerState
	stateMu sync.RWMutex

	cancel   context.CancelFunc
	readDone chan struct{}
}

// NewServer creates a server that is not started.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   config,
		logger:   logger.With("component", "lsp.Server", "command", config.Command),
		readDone: make(chan struct{}),
	}
}

// Start launches the process and performs the initialize handshake.
//
// Description:
//
//	The process runs under its own context so it outlives ctx; ctx only
//	bounds the handshake.
//
// Errors:
//
//	ErrServerAlreadyStarted, ErrServerNotInstalled, ErrInitializeFailed.
func (s *Server) Start(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state != ServerStateUninitialized {
		s.stateMu.Unlock()
		return ErrServerAlreadyStarted
	}
	s.state = ServerStateStarting
	s.stateMu.Unlock()

	path, err := exec.LookPath(s.config.Command)
	if err != nil {
		s.setState(ServerStateStopped)
		return fmt.Errorf("%w: %s", ErrServerNotInstalled, s.config.Command)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.cmd = exec.CommandContext(procCtx, path, s.config.Args...)
	s.cmd.Dir = s.config.Root

	if s.stdin, err = s.cmd.StdinPipe(); err != nil {
		s.cleanup()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if s.stdout, err = s.cmd.StdoutPipe(); err != nil {
		s.cleanup()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		s.cleanup()
		return fmt.Errorf("start process: %w", err)
	}

	s.protocol = NewProtocol(s.stdout, s.stdin)
	go func() {
		defer close(s.readDone)
		if err := s.protocol.ReadLoop(procCtx); err != nil && procCtx.Err() == nil {
			s.logger.Debug("lsp read loop ended", "error", err)
		}
	}()

	if err := s.initialize(ctx); err != nil {
		_ = s.Shutdown(ctx)
		return fmt.Errorf("%w: %v", ErrInitializeFailed, err)
	}

	s.setState(ServerStateReady)
	s.logger.Info("lsp server ready", "root", s.config.Root)
	return nil
}

func (s *Server) initialize(ctx context.Context) error {
	rootURI := PathToURI(s.config.Root)
	params := InitializeParams{
		ProcessID: os.Getpid(),
		RootURI:   rootURI,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization: &TextDocumentSyncClientCapabilities{},
			},
		},
		WorkspaceFolders: []WorkspaceFolder{{URI: rootURI, Name: "workspace"}},
	}

	resp, err := s.protocol.SendRequest(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}
	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	return s.protocol.Notify("initialized", struct{}{})
}

// Notify sends a notification to a ready server.
func (s *Server) Notify(method string, params interface{}) error {
	if s.State() != ServerStateReady {
		return ErrServerNotRunning
	}
	return s.protocol.Notify(method, params)
}

// Shutdown asks the server to exit and kills it after a grace period.
// Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state == ServerStateStopped || s.state == ServerStateStopping {
		s.stateMu.Unlock()
		return nil
	}
	s.state = ServerStateStopping
	s.stateMu.Unlock()

	defer s.cleanup()

	if s.protocol != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, _ = s.protocol.SendRequest(shutdownCtx, "shutdown", nil)
		_ = s.protocol.Notify("exit", nil)
		s.protocol.Close()
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	if s.cmd != nil && s.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = s.cmd.Process.Kill()
			<-done
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.readDone:
	case <-time.After(time.Second):
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Server) State() ServerState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Server) setState(state ServerState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

func (s *Server) cleanup() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	s.setState(ServerStateStopped)
}
