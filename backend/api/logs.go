package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"kiri/backend/applog"
	"kiri/backend/domain"
)

// getCoreLogs 增量拉取内核日志：?since=<offset>，响应携带下一次的偏移。
func (r *Router) getCoreLogs(c *gin.Context) {
	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			badRequest(c, errors.New("invalid 'since' parameter: must be a non-negative integer"))
			return
		}
		since = v
	}

	if r.coreLog == nil {
		c.JSON(http.StatusOK, applog.Snapshot{})
		return
	}

	state := r.orchestrator.State()
	running := state.Active && state.SelectedMode == domain.ModeManual
	snap := r.coreLog.Since(since, running, 0, time.Time{})
	c.JSON(http.StatusOK, snap)
}
