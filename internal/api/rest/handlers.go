package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/david-t-martel/serial-mcp-server/internal/discovery"
	"github.com/david-t-martel/serial-mcp-server/internal/service"
	"github.com/david-t-martel/serial-mcp-server/internal/session"
)

// ErrorBody mirrors the dispatcher's error shape for HTTP callers.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, service.ErrAlreadyOpen):
		status, code = http.StatusConflict, "ALREADY_OPEN"
	case errors.Is(err, service.ErrNotOpen):
		status, code = http.StatusConflict, "NOT_OPEN"
	case errors.Is(err, service.ErrNoPortSpecified):
		status, code = http.StatusBadRequest, "NO_PORT_SPECIFIED"
	case errors.Is(err, session.ErrSessionNotFound):
		status, code = http.StatusNotFound, "SESSION_NOT_FOUND"
	default:
		var openErr *service.OpenError
		var ioErr *service.IOError
		if errors.As(err, &openErr) {
			status, code = http.StatusBadGateway, "OPEN_FAILED"
		} else if errors.As(err, &ioErr) {
			status, code = http.StatusBadGateway, "IO_FAILURE"
		}
	}
	c.JSON(status, ErrorResponse{Error: ErrorBody{Code: code, Message: err.Error()}})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listPorts(c *gin.Context) {
	infos, err := discovery.ListPortsExtended()
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ports": infos})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status())
}

func (s *Server) metrics(c *gin.Context) {
	state, m := s.svc.MetricsSnapshot()
	if m == nil {
		c.JSON(http.StatusOK, gin.H{"state": state})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":               state,
		"bytes_read_total":    m.BytesReadTotal,
		"bytes_written_total": m.BytesWrittenTotal,
		"idle_close_count":    m.IdleCloseCount,
		"open_duration_ms":    m.OpenDurationMs,
		"last_activity_ms":    m.LastActivityMs,
		"timeout_streak":      m.TimeoutStreak,
	})
}

func (s *Server) openPort(c *gin.Context) {
	cfg := service.DefaultConfig()
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{Code: "INVALID_ARGUMENTS", Message: err.Error()}})
		return
	}
	res, err := s.svc.Open(cfg)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) write(c *gin.Context) {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{Code: "INVALID_ARGUMENTS", Message: err.Error()}})
		return
	}
	res, err := s.svc.Write(body.Text)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) read(c *gin.Context) {
	res, err := s.svc.Read()
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) closePort(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Close())
}

func (s *Server) reconfigure(c *gin.Context) {
	var req service.ReconfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{Code: "INVALID_ARGUMENTS", Message: err.Error()}})
		return
	}
	res, err := s.svc.Reconfigure(req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listSessions(c *gin.Context) {
	filter := session.Filter(c.DefaultQuery("filter", "all"))
	sessions, err := s.store.ListSessions(c.Request.Context(), filter, 0)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) exportSession(c *gin.Context) {
	export, err := s.store.ExportSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, export)
}
