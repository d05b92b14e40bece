// Package control implements the host-facing control surface: a Unix
// domain socket accepting one JSON object per line, each mapped onto a
// CallEngine command or a settings/contacts mutation, per SPEC_FULL.md §7.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"intercomd/internal/callengine"
	"intercomd/internal/config"
	"intercomd/internal/settings"
)

// request is one line of client input.
type request struct {
	Cmd   string  `json:"cmd"`
	Value float64 `json:"value"`
	Host  string  `json:"host"`
	Port  int     `json:"port"`
	Bool  *bool   `json:"bool"`
	MS    int64   `json:"ms"`
	CSV   string  `json:"csv"`
}

// response is the single reply line for a request.
type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	State string `json:"state,omitempty"`
}

// Server accepts control connections on a Unix domain socket and
// dispatches each line to the call engine.
type Server struct {
	socketPath string
	engine     *callengine.CallEngine
	settings   *settings.Store
	contacts   *config.ContactBook
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New constructs a control server bound to socketPath once Serve is called.
func New(socketPath string, engine *callengine.CallEngine, store *settings.Store, contacts *config.ContactBook, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{socketPath: socketPath, engine: engine, settings: store, contacts: contacts, logger: logger}
}

// Serve listens on the configured socket path and handles connections
// until ctx is canceled. Any stale socket file from a previous run is
// removed before binding, matching the usual Unix-socket daemon idiom.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("control: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(response{OK: false, Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("control: write reply failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(req request) response {
	switch req.Cmd {
	case "start":
		return toResponse(s.engine.Start())
	case "stop":
		return toResponse(s.engine.Stop())
	case "answer":
		return toResponse(s.engine.Answer())
	case "decline":
		return toResponse(s.engine.Decline())
	case "toggle":
		return toResponse(s.engine.Toggle())
	case "disconnect":
		return toResponse(s.engine.Disconnect())
	case "connect_to":
		if req.Host == "" || req.Port <= 0 {
			return response{OK: false, Error: "connect_to requires host and port"}
		}
		return toResponse(s.engine.ConnectTo(req.Host, req.Port))
	case "set_volume":
		if req.Value < 0 || req.Value > 1 {
			return response{OK: false, Error: "set_volume requires value in [0,1]"}
		}
		s.engine.Pipeline().SetVolume(req.Value)
		if s.settings != nil {
			s.settings.Update(func(r *settings.Record) { r.VolumePct = uint8(req.Value * 100) })
		}
		return response{OK: true}
	case "set_mic_gain_db":
		gain := int(req.Value)
		if gain < -20 || gain > 20 {
			return response{OK: false, Error: "set_mic_gain_db requires value in [-20,20]"}
		}
		s.engine.Pipeline().SetMicGainDB(req.Value)
		if s.settings != nil {
			s.settings.Update(func(r *settings.Record) { r.MicGainDB = int8(gain) })
		}
		return response{OK: true}
	case "set_auto_answer":
		if req.Bool == nil {
			return response{OK: false, Error: "set_auto_answer requires bool"}
		}
		s.engine.SetAutoAnswer(*req.Bool)
		return response{OK: true}
	case "set_aec_enabled":
		if req.Bool == nil {
			return response{OK: false, Error: "set_aec_enabled requires bool"}
		}
		s.engine.Pipeline().SetAECEnabled(*req.Bool)
		if s.settings != nil {
			s.settings.Update(func(r *settings.Record) {
				if *req.Bool {
					r.Flags |= settings.FlagAECEnabled
				} else {
					r.Flags &^= settings.FlagAECEnabled
				}
			})
		}
		return response{OK: true}
	case "set_ringing_timeout":
		if req.MS <= 0 {
			return response{OK: false, Error: "set_ringing_timeout requires positive ms"}
		}
		s.engine.SetRingingTimeoutMs(req.MS)
		return response{OK: true}
	case "set_contacts":
		contacts, err := config.ParseContacts(strings.NewReader(req.CSV))
		if err != nil {
			return response{OK: false, Error: err.Error()}
		}
		if s.contacts != nil {
			s.contacts.Set(contacts)
		}
		return response{OK: true}
	case "next_contact":
		return s.navigateContact(s.contacts.Next)
	case "prev_contact":
		return s.navigateContact(s.contacts.Prev)
	case "status":
		snap := s.engine.Snapshot()
		return response{OK: true, State: snap.State.String()}
	default:
		return response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) navigateContact(step func() (config.Contact, bool)) response {
	if s.contacts == nil {
		return response{OK: false, Error: "no contacts configured"}
	}
	contact, ok := step()
	if !ok {
		return response{OK: false, Error: "contact list is empty"}
	}
	s.engine.SetDialTarget(contact.Host, contact.Port)
	return response{OK: true, State: contact.Name}
}

func toResponse(err error) response {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return response{OK: false, Error: "shutting down"}
		}
		return response{OK: false, Error: err.Error()}
	}
	return response{OK: true}
}
