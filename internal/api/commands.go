package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fingerprint-core/internal/session"
)

// CommandParam describes one positional parameter.
type CommandParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CommandDescriptor is the API view of a command table entry.
type CommandDescriptor struct {
	Name       string         `json:"name"`
	Service    string         `json:"service"`
	Class      string         `json:"class"`
	Params     []CommandParam `json:"params"`
	ExpectedMs int64          `json:"expected_ms"`
}

// InvokeRequest is the optional body of POST /commands/{name}.
type InvokeRequest struct {
	Args []any `json:"args"`
}

// InvokeResponse is returned with 202 Accepted.
type InvokeResponse struct {
	Ticket     string    `json:"ticket"`
	Command    string    `json:"command"`
	AcceptedAt time.Time `json:"accepted_at"`
	ExpectedMs int64     `json:"expected_ms"`
}

func newCommandDescriptor(d session.Descriptor) CommandDescriptor {
	params := make([]CommandParam, len(d.Params))
	for i, p := range d.Params {
		params[i] = CommandParam{Name: p.Name, Type: p.Type.String()}
	}
	return CommandDescriptor{
		Name:       d.Name,
		Service:    d.Service,
		Class:      d.Class.String(),
		Params:     params,
		ExpectedMs: d.Expected.Milliseconds(),
	}
}

// handleListCommands returns the command table in declaration order.
func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	descriptors := s.session.Commands().Descriptors()
	out := make([]CommandDescriptor, len(descriptors))
	for i, d := range descriptors {
		out[i] = newCommandDescriptor(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": out,
		"count":    len(out),
	})
}

// handleInvoke starts a command. The result arrives later on the
// command.finished channel and in the journal.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Args == nil {
		req.Args = []any{}
	}

	ack, err := s.session.Invoke(r.Context(), name, req.Args)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	s.logger.Info("command accepted via API", "command", name, "ticket", ack.Ticket.ID.String())
	writeJSON(w, http.StatusAccepted, InvokeResponse{
		Ticket:     ack.Ticket.ID.String(),
		Command:    ack.Ticket.Command,
		AcceptedAt: ack.AcceptedAt.UTC(),
		ExpectedMs: ack.Expected.Milliseconds(),
	})
}

// handleAbort requests cancellation of the running command.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Abort(r.Context()); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "abort_requested"})
}

// writeSessionError maps synchronous session errors onto HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidArguments):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, session.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, ErrCodeBusy, err.Error())
	case errors.Is(err, session.ErrNotRunning):
		writeError(w, http.StatusConflict, ErrCodeNotRunning, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeUnavailable(w, err.Error())
	default:
		s.logger.Error("session call failed", "error", err)
		writeInternalError(w, "session call failed")
	}
}
