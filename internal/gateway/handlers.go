package gateway

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iris-hq/iris/internal/fork"
	"github.com/iris-hq/iris/internal/orchestrator"
	"github.com/iris-hq/iris/internal/pool"
	"github.com/iris-hq/iris/internal/session"
	"github.com/iris-hq/iris/internal/teams"
	"github.com/iris-hq/iris/internal/transport"
)

// httpStatus maps supervisor error kinds onto HTTP codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, teams.ErrTeamNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, fork.ErrForkNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrPoolFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrTellTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, transport.ErrSpawnTimeout),
		errors.Is(err, transport.ErrProcessExited):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}

type tellBody struct {
	FromTeam        string `json:"fromTeam"`
	ToTeam          string `json:"toTeam" binding:"required"`
	Message         string `json:"message" binding:"required"`
	WaitForResponse *bool  `json:"waitForResponse"`
	TimeoutSeconds  int    `json:"timeoutSeconds"`
}

func (s *Server) handleTell(c *gin.Context) {
	var body tellBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := orchestrator.TellRequest{
		FromTeam:        body.FromTeam,
		ToTeam:          body.ToTeam,
		Message:         body.Message,
		WaitForResponse: body.WaitForResponse == nil || *body.WaitForResponse,
		Timeout:         time.Duration(body.TimeoutSeconds) * time.Second,
	}
	res, err := s.orch.Tell(c.Request.Context(), req)
	if err != nil {
		c.JSON(httpStatus(err), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type wakeBody struct {
	Team     string `json:"team" binding:"required"`
	FromTeam string `json:"fromTeam"`
}

func (s *Server) handleWake(c *gin.Context) {
	var body wakeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.orch.Wake(c.Request.Context(), body.Team, body.FromTeam)
	if err != nil {
		c.JSON(httpStatus(err), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type sleepBody struct {
	Team     string `json:"team" binding:"required"`
	FromTeam string `json:"fromTeam"`
	Force    bool   `json:"force"`
}

func (s *Server) handleSleep(c *gin.Context) {
	var body sleepBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.orch.Sleep(c.Request.Context(), body.Team, body.FromTeam, body.Force)
	if err != nil {
		c.JSON(httpStatus(err), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type wakeAllBody struct {
	FromTeam string `json:"fromTeam"`
	Parallel bool   `json:"parallel"`
}

func (s *Server) handleWakeAll(c *gin.Context) {
	// The body is optional: wakeall with no arguments wakes everything
	// sequentially.
	var body wakeAllBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.orch.WakeAll(c.Request.Context(), body.FromTeam, body.Parallel)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleTeams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"teams": s.orch.Teams(c.Query("fromTeam"))})
}

func (s *Server) handleTeam(c *gin.Context) {
	name := c.Param("name")
	for _, info := range s.orch.Teams(c.Query("fromTeam")) {
		if info.Name == name {
			c.JSON(http.StatusOK, info)
			return
		}
	}
	abortWithError(c, teams.ErrTeamNotFound)
}

func (s *Server) handleSessions(c *gin.Context) {
	filter := session.Filter{
		Status:   c.Query("status"),
		FromTeam: c.Query("fromTeam"),
		ToTeam:   c.Query("toTeam"),
	}
	rows, err := s.orch.Sessions(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (s *Server) handleSession(c *gin.Context) {
	report, err := s.orch.ReportBySessionID(c.Request.Context(), c.Param("sessionId"), false)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report.Session)
}

func (s *Server) handleSessionReport(c *gin.Context) {
	withMessages := c.Query("withMessages") == "true"
	report, err := s.orch.ReportBySessionID(c.Request.Context(), c.Param("sessionId"), withMessages)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleArchiveSession(c *gin.Context) {
	if err := s.orch.ArchiveSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": c.Param("sessionId")})
}

func (s *Server) handlePool(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": s.orch.PoolStatus()})
}

func (s *Server) handlePendingPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.broker.Pending()})
}

type resolveBody struct {
	Approved *bool  `json:"approved" binding:"required"`
	Reason   string `json:"reason"`
}

func (s *Server) handleResolvePermission(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.broker.Resolve(c.Param("id"), *body.Approved, body.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": c.Param("id")})
}

type forkBody struct {
	Team        string `json:"team" binding:"required"`
	FromTeam    string `json:"fromTeam"`
	ForkSession bool   `json:"forkSession"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
}

func (s *Server) handleStartFork(c *gin.Context) {
	var body forkBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f, err := s.forks.Start(c.Request.Context(), fork.StartRequest{
		Team:        body.Team,
		FromTeam:    body.FromTeam,
		ForkSession: body.ForkSession,
		Cols:        body.Cols,
		Rows:        body.Rows,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"forkId": f.ID(), "fork": f.Info()})
}

func (s *Server) handleListForks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"forks": s.forks.List()})
}

func (s *Server) handleCloseFork(c *gin.Context) {
	if err := s.forks.Close(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": c.Param("id")})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "iris",
	})
}
