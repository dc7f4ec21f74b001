package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devpilot/internal/pkgmgr"
	"github.com/loykin/devpilot/internal/process"
	"github.com/loykin/devpilot/internal/store"
)

type projectResp struct {
	store.Project
	Scripts        []process.Descriptor `json:"scripts"`
	PackageScripts []string             `json:"package_scripts"`
	PackageManager pkgmgr.Info          `json:"package_manager"`
}

type pmResp struct {
	pkgmgr.Info
	Available bool `json:"available"`
}

type portBody struct {
	Port int `json:"port"`
}

func (r *Router) handleListProjects(c *gin.Context) {
	ps, err := r.deps.Store.ListProjects(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	if ps == nil {
		ps = []store.Project{}
	}
	writeJSON(c, http.StatusOK, ps)
}

func (r *Router) handleSaveProject(c *gin.Context) {
	var p store.Project
	if err := c.ShouldBindJSON(&p); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(p.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid project id"})
		return
	}
	if p.Path == "" || !isSafeAbsPath(p.Path) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "path must be a clean absolute path"})
		return
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if err := r.deps.Store.SaveProject(c.Request.Context(), p); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, p)
}

func (r *Router) handleGetProject(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := r.deps.Store.GetProject(ctx, c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	scripts, err := r.deps.Store.ListScripts(ctx, p.ID)
	if err != nil {
		r.fail(c, err)
		return
	}
	if scripts == nil {
		scripts = []process.Descriptor{}
	}
	pkg, err := pkgmgr.Scripts(p.Path)
	if err != nil {
		r.log.Debug("read package scripts", "project", p.ID, "error", err)
	}
	if pkg == nil {
		pkg = []string{}
	}
	writeJSON(c, http.StatusOK, projectResp{
		Project:        p,
		Scripts:        scripts,
		PackageScripts: pkg,
		PackageManager: pkgmgr.Detect(p.Path),
	})
}

func (r *Router) handlePackageManager(c *gin.Context) {
	p, err := r.deps.Store.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	info := pkgmgr.Detect(p.Path)
	writeJSON(c, http.StatusOK, pmResp{Info: info, Available: pkgmgr.Available(info.Manager)})
}

func (r *Router) handleInstall(c *gin.Context) {
	req, err := r.deps.Launcher.PrepareInstall(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	h, err := r.deps.Runs.Start(c.Request.Context(), req)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, h)
}

func (r *Router) handleGetExpectedPort(c *gin.Context) {
	port, err := r.deps.Store.ExpectedPort(c.Request.Context(), c.Param("id"), c.Param("script"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, portBody{Port: port})
}

func (r *Router) handleSetExpectedPort(c *gin.Context) {
	var body portBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if body.Port < 0 || body.Port > 65535 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "port out of range"})
		return
	}
	ctx := c.Request.Context()
	id, script := c.Param("id"), c.Param("script")
	if !isSafeName(script) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid script name"})
		return
	}
	if _, err := r.deps.Store.GetProject(ctx, id); err != nil {
		r.fail(c, err)
		return
	}
	if err := r.deps.Store.SetExpectedPort(ctx, id, script, body.Port); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, body)
}
