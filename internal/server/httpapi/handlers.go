package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/mail"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/scanreport/internal/common"
	"github.com/dmitrijs2005/scanreport/internal/errclass"
	"github.com/dmitrijs2005/scanreport/internal/server/coordinator"
	"github.com/dmitrijs2005/scanreport/internal/server/models"
	"github.com/dmitrijs2005/scanreport/internal/server/workflow"
)

const presignTTL = 15 * time.Minute

type submitRequest struct {
	URL         string `json:"url"`
	NotifyEmail string `json:"notifyEmail,omitempty"`
}

type submitResponse struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

type reportResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"`
}

type errorResponse struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "request body must be JSON")
		return
	}
	if err := validateTarget(req.URL); err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	if req.NotifyEmail != "" {
		if _, err := mail.ParseAddress(req.NotifyEmail); err != nil {
			s.writeBadRequest(w, "notifyEmail is not a valid address")
			return
		}
	}

	id := uuid.NewString()
	fields := coordinator.InitFields{
		ID:            id,
		TargetURL:     req.URL,
		NotifyAddress: req.NotifyEmail,
		OriginAddr:    clientAddr(r),
		ClientAgent:   r.UserAgent(),
		Region:        r.Header.Get("X-Region"),
	}
	if err := s.hub.Init(r.Context(), fields); err != nil {
		s.writeError(w, r, err)
		return
	}

	// the workflow outlives this request
	go func() {
		if err := s.runner.Run(context.WithoutCancel(r.Context()), id); err != nil {
			s.logger.Error(context.Background(), "workflow run failed", "session_id", id, "error", err)
		}
	}()

	s.logger.Info(r.Context(), "scan accepted", "session_id", id, "target_url", req.URL)
	s.writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: models.StatusQueued})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	session, err := s.hub.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.hub.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if session.Status != models.StatusCompleted || session.ArtifactKey == "" {
		s.writeJSON(w, http.StatusConflict, errorResponse{
			Title:   "Report not ready",
			Message: fmt.Sprintf("The scan is currently %s.", session.Status),
			Action:  "Wait for the scan to complete, then try again.",
		})
		return
	}

	signed, err := s.blobs.PresignGet(r.Context(), session.ArtifactKey, presignTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reportResponse{URL: signed, ExpiresIn: int(presignTTL.Seconds())})
}

type notifyRequest struct {
	Email string `json:"email,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.hub.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if session.Status != models.StatusCompleted || session.ArtifactKey == "" {
		s.writeJSON(w, http.StatusConflict, errorResponse{
			Title:   "Report not ready",
			Message: fmt.Sprintf("The scan is currently %s.", session.Status),
			Action:  "Wait for the scan to complete, then try again.",
		})
		return
	}

	var req notifyRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeBadRequest(w, "request body must be JSON")
			return
		}
	}
	address := req.Email
	if address == "" {
		address = session.NotifyAddress
	}
	if address == "" {
		s.writeBadRequest(w, "no notification address on the session and none provided")
		return
	}
	if _, err := mail.ParseAddress(address); err != nil {
		s.writeBadRequest(w, "email is not a valid address")
		return
	}

	signed, err := s.blobs.PresignGet(r.Context(), session.ArtifactKey, presignTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	subject := "Your URL scan report is ready"
	html := fmt.Sprintf(
		`<p>The scan report for <b>%s</b> is ready.</p><p><a href=%q>Download the report</a> (link valid for %d minutes).</p>`,
		session.TargetURL, signed, int(presignTTL.Minutes()))
	text := fmt.Sprintf("The scan report for %s is ready. Download: %s (link valid for %d minutes)",
		session.TargetURL, signed, int(presignTTL.Minutes()))

	if err := s.notifier.Send(r.Context(), address, subject, html, text); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info(r.Context(), "report notification sent", "session_id", id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(context.Background(), "writing response failed", "error", err)
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Title: "Invalid request", Message: msg})
}

// writeError maps an internal error onto a status code and the user-safe
// classified triple. Raw error text only goes to the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrorNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrorConflict):
		status = http.StatusConflict
	case errors.Is(err, common.ErrorInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrorDelivery):
		status = http.StatusBadGateway
	}

	s.logger.Error(r.Context(), "request failed",
		"path", r.URL.Path, "detail", errclass.OperatorDetail(err))

	t := errclass.Classify(err)
	s.writeJSON(w, status, errorResponse{Title: t.Title, Message: t.Message, Action: t.Action})
}

func validateTarget(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("url is not parseable")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("url must be absolute with an http or https scheme")
	}
	return nil
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// compile-time check that the real engine satisfies the runner surface
var _ WorkflowRunner = (*workflow.Engine)(nil)
