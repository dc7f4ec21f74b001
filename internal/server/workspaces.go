package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devpilot/internal/store"
	"github.com/loykin/devpilot/internal/workspace"
)

type workspaceResp struct {
	store.Workspace
	Status workspace.Status `json:"status"`
}

// actionResp carries the status after a workspace action. Errors is set when
// some items failed while the rest kept running.
type actionResp struct {
	workspace.Status
	Errors string `json:"errors,omitempty"`
}

func (r *Router) handleListWorkspaces(c *gin.Context) {
	ctx := c.Request.Context()
	wss, err := r.deps.Store.ListWorkspaces(ctx)
	if err != nil {
		r.fail(c, err)
		return
	}
	out := make([]workspaceResp, 0, len(wss))
	for _, ws := range wss {
		st, err := r.deps.Workspaces.Status(ctx, ws.ID)
		if err != nil {
			r.fail(c, err)
			return
		}
		out = append(out, workspaceResp{Workspace: ws, Status: st})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleWorkspaceStatus(c *gin.Context) {
	st, err := r.deps.Workspaces.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleWorkspaceStart(c *gin.Context) {
	st, err := r.deps.Workspaces.Start(c.Request.Context(), c.Param("id"))
	r.workspaceResult(c, st, err)
}

func (r *Router) handleWorkspaceStop(c *gin.Context) {
	st, err := r.deps.Workspaces.Stop(c.Request.Context(), c.Param("id"))
	r.workspaceResult(c, st, err)
}

func (r *Router) handleWorkspaceRestart(c *gin.Context) {
	st, err := r.deps.Workspaces.Restart(c.Request.Context(), c.Param("id"))
	r.workspaceResult(c, st, err)
}

func (r *Router) handleWorkspaceRestartItem(c *gin.Context) {
	st, err := r.deps.Workspaces.RestartItem(c.Request.Context(), c.Param("id"), c.Param("item"))
	r.workspaceResult(c, st, err)
}

// workspaceResult reports partial failures with the status of what did start.
func (r *Router) workspaceResult(c *gin.Context, st workspace.Status, err error) {
	if err == nil {
		writeJSON(c, http.StatusOK, actionResp{Status: st})
		return
	}
	if st.WorkspaceID == "" {
		r.fail(c, err)
		return
	}
	writeJSON(c, statusFor(err), actionResp{Status: st, Errors: err.Error()})
}
