package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"nimbus-ide/internal/apperr"
	"nimbus-ide/internal/logging"
	"nimbus-ide/internal/orchestrator"
)

type runRequest struct {
	ProjectID uint   `json:"project_id" binding:"required"`
	FilePath  string `json:"file_path"`
	Language  string `json:"language" binding:"required"`
	Stdin     string `json:"stdin"`
	Content   string `json:"content"`
}

func (s *Server) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Wrap(apperr.KindInvalidRequest, "invalid request body", err))
		return
	}

	r := orchestrator.RunRequest{
		UserID:    c.GetUint("user_id"),
		ProjectID: req.ProjectID,
		FilePath:  req.FilePath,
		Language:  req.Language,
		Stdin:     []byte(req.Stdin),
	}
	if req.Content != "" {
		r.Content = []byte(req.Content)
	}

	execID, err := s.orch.Run(c.Request.Context(), r)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, gin.H{"execution_id": execID})
}

func (s *Server) handleStatus(c *gin.Context) {
	rec, err := s.orch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if rec.UserID != c.GetUint("user_id") && c.GetString("role") != "admin" {
		fail(c, apperr.Newf(apperr.KindNotFound, "execution %s not found", c.Param("id")))
		return
	}
	ok(c, rec)
}

func (s *Server) handleStop(c *gin.Context) {
	actor := orchestrator.Actor{
		UserID: c.GetUint("user_id"),
		Admin:  c.GetString("role") == "admin",
	}
	state, err := s.orch.Stop(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"state": state})
}

var subscribeUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSubscribe streams an execution's frames over a websocket. The
// optional from_seq parameter replays retained frames first.
func (s *Server) handleSubscribe(c *gin.Context) {
	execID := c.Param("id")

	rec, err := s.orch.Status(c.Request.Context(), execID)
	if err != nil {
		fail(c, err)
		return
	}
	if rec.UserID != c.GetUint("user_id") && c.GetString("role") != "admin" {
		fail(c, apperr.Newf(apperr.KindNotFound, "execution %s not found", execID))
		return
	}

	var fromSeq uint64
	if raw := c.Query("from_seq"); raw != "" {
		if n, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			fromSeq = n
		}
	}

	frames, err := s.orch.Subscribe(c.Request.Context(), execID, fromSeq)
	if err != nil {
		fail(c, err)
		return
	}

	conn, err := subscribeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L().Warn("subscribe upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	for frame := range frames {
		data, merr := json.Marshal(frame)
		if merr != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if werr := conn.WriteMessage(websocket.TextMessage, data); werr != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution ended"))
}

func (s *Server) handleActiveList(c *gin.Context) {
	ok(c, gin.H{"executions": s.orch.ActiveList()})
}

func (s *Server) handleAdminKill(c *gin.Context) {
	actor := orchestrator.Actor{UserID: c.GetUint("user_id"), Admin: true}
	state, err := s.orch.AdminKill(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"state": state})
}

func (s *Server) handleGetSetting(c *gin.Context) {
	value, err := s.settings.Get(c.Param("key"))
	if err != nil {
		fail(c, apperr.Newf(apperr.KindNotFound, "unknown setting %s", c.Param("key")))
		return
	}
	ok(c, gin.H{"key": c.Param("key"), "value": value})
}

func (s *Server) handlePutSetting(c *gin.Context) {
	var body struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, apperr.Wrap(apperr.KindInvalidRequest, "invalid request body", err))
		return
	}
	if err := s.settings.Set(c.Param("key"), body.Value); err != nil {
		fail(c, apperr.Wrap(apperr.KindInternal, "setting update failed", err))
		return
	}
	ok(c, gin.H{"key": c.Param("key"), "value": body.Value})
}
