package api

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hyphamind/hyphamind/internal/apperr"
	"github.com/hyphamind/hyphamind/internal/guard"
	"github.com/hyphamind/hyphamind/internal/indexworker"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/observability"
)

const defaultDomain = "core"

func domainOrDefault(domain string) string {
	if domain == "" {
		return defaultDomain
	}
	return domain
}

// nodeView renders one Memory + its current Path into the browse node shape.
func (s *Server) nodeView(path, domain string, m *memnode.Memory) (gin.H, error) {
	node := gin.H{
		"path":       path,
		"domain":     domain,
		"uri":        domain + "://" + path,
		"name":       lastSegment(path),
		"content":    m.Content,
		"priority":   m.Priority,
		"created_at": m.CreatedAt,
	}
	if m.Disclosure.Valid {
		node["disclosure"] = m.Disclosure.String
	}

	paths, err := s.mem.PathsForMemory(m.ID)
	if err != nil {
		return nil, err
	}
	aliases := make([]gin.H, 0, len(paths))
	for _, p := range paths {
		if p.Domain == domain && p.Path == path {
			continue
		}
		aliases = append(aliases, gin.H{"domain": p.Domain, "path": p.Path, "uri": p.URI()})
	}
	node["aliases"] = aliases

	gist, err := s.mem.GetGist(m.ID)
	if err != nil {
		return nil, err
	}
	if gist != nil {
		node["gist_text"] = gist.Text
		node["gist_method"] = gist.Method
		node["gist_quality"] = gist.Quality
		node["source_hash"] = gist.SourceHash
	}
	return node, nil
}

func lastSegment(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

func breadcrumbs(path string) []gin.H {
	if path == "" {
		return []gin.H{}
	}
	segments := strings.Split(path, "/")
	out := make([]gin.H, 0, len(segments))
	acc := ""
	for _, seg := range segments {
		if acc == "" {
			acc = seg
		} else {
			acc = acc + "/" + seg
		}
		out = append(out, gin.H{"path": acc, "label": seg})
	}
	return out
}

func childPreviewJSON(children []memnode.ChildPreview) []gin.H {
	out := make([]gin.H, 0, len(children))
	for _, c := range children {
		item := gin.H{
			"path":            c.Path,
			"domain":          c.Domain,
			"uri":             c.URI,
			"memory_id":       c.MemoryID,
			"title":           c.Title,
			"content_snippet": c.ContentSnip,
			"has_child_path":  c.HasChildPath,
		}
		if c.GistText != "" {
			item["gist_text"] = c.GistText
			item["gist_method"] = c.GistMethod
		}
		out = append(out, item)
	}
	return out
}

// getNode implements GET /browse/node?path=&domain=.
func (s *Server) getNode(c *gin.Context) {
	path := c.Query("path")
	domain := domainOrDefault(c.Query("domain"))

	if path == "" {
		children, err := s.mem.GetChildren(nil, domain)
		if err != nil {
			internalError(c, err.Error())
			return
		}
		okResponse(c, gin.H{
			"node": gin.H{
				"path": "", "domain": domain, "uri": domain + "://", "name": "",
				"content": "", "aliases": []gin.H{},
			},
			"children":    childPreviewJSON(children),
			"breadcrumbs": breadcrumbs(""),
		})
		return
	}

	m, err := s.mem.GetMemoryByPath(path, domain)
	if err != nil {
		internalError(c, err.Error())
		return
	}
	if m == nil {
		notFoundError(c, "path not found")
		return
	}

	node, err := s.nodeView(path, domain, m)
	if err != nil {
		internalError(c, err.Error())
		return
	}
	children, err := s.mem.GetChildren(&m.ID, domain)
	if err != nil {
		internalError(c, err.Error())
		return
	}
	okResponse(c, gin.H{
		"node":        node,
		"children":    childPreviewJSON(children),
		"breadcrumbs": breadcrumbs(path),
	})
}

type createNodeRequest struct {
	ParentPath string `json:"parent_path"`
	Title      string `json:"title"`
	Content    string `json:"content" binding:"required"`
	Priority   int    `json:"priority"`
	Disclosure string `json:"disclosure"`
	Domain     string `json:"domain"`
}

// createNode implements POST /browse/node, gating on write_guard: a
// NOOP/UPDATE/DELETE decision blocks the create.
func (s *Server) createNode(c *gin.Context) {
	var req createNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestError(c, err.Error())
		return
	}
	domain := domainOrDefault(req.Domain)
	if req.Priority == 0 {
		req.Priority = 5
	}

	var decision *guard.Decision
	err := s.lanes.RunWrite(c.Request.Context(), "http", func(ctx context.Context) error {
		var gerr error
		decision, gerr = s.guard.Evaluate(ctx, req.Content, domain, req.ParentPath, 0)
		if gerr != nil {
			return gerr
		}
		if decision.Action == guard.ActionNoop || decision.Action == guard.ActionUpdate || decision.Action == guard.ActionDelete {
			return nil // blocked: report below, nothing to create
		}

		result, cerr := s.mem.CreateMemory(req.ParentPath, req.Content, req.Priority, req.Title, domain, req.Disclosure)
		if cerr != nil {
			return cerr
		}
		for _, id := range result.IndexTargets {
			id := id
			s.worker.Enqueue(indexworker.TaskReindexMemory, &id, "create_node")
		}
		return nil
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}

	blocked := decision != nil && (decision.Action == guard.ActionNoop || decision.Action == guard.ActionUpdate || decision.Action == guard.ActionDelete)
	s.recordGuardEvent("create_node", decision, blocked)

	if blocked {
		okResponse(c, gin.H{
			"created": false,
			"message": "write blocked by guard: " + string(decision.Action) + " (" + decision.Reason + ")",
			"guard":   decisionJSON(decision),
		})
		return
	}

	s.trackWriteVolume("http", len(req.Content))
	createdResponse(c, gin.H{
		"created": true,
		"guard":   decisionJSON(decision),
	})
}

// trackWriteVolume feeds one admitted write into the flush tracker; a
// crossed threshold schedules an early sleep-consolidation pass instead of
// waiting for the next timed run.
func (s *Server) trackWriteVolume(sessionID string, contentChars int) {
	if s.flush.RecordEvent(sessionID, contentChars) {
		s.worker.Enqueue(indexworker.TaskSleepConsolidate, nil, "flush:"+sessionID)
	}
}

// recordGuardEvent feeds one write_guard outcome into the observability
// guard-event ring.
func (s *Server) recordGuardEvent(operation string, d *guard.Decision, blocked bool) {
	if d == nil {
		return
	}
	s.obs.RecordGuard(observability.GuardEvent{
		Timestamp:      time.Now().UTC(),
		Operation:      operation,
		Action:         string(d.Action),
		Method:         string(d.Method),
		Reason:         d.Reason,
		TargetID:       d.TargetID,
		Blocked:        blocked,
		Degraded:       d.Degraded,
		DegradeReasons: d.DegradeReasons,
	})
}

func decisionJSON(d *guard.Decision) gin.H {
	if d == nil {
		return gin.H{}
	}
	h := gin.H{
		"action":          d.Action,
		"reason":          d.Reason,
		"method":          d.Method,
		"degraded":        d.Degraded,
		"degrade_reasons": d.DegradeReasons,
	}
	if d.TargetID != nil {
		h["target_id"] = *d.TargetID
		h["target_uri"] = d.TargetURI
	}
	return h
}

type updateNodeRequest struct {
	Content    *string `json:"content"`
	Priority   *int    `json:"priority"`
	Disclosure *string `json:"disclosure"`
}

// updateNode implements PUT /browse/node?path=&domain=.
func (s *Server) updateNode(c *gin.Context) {
	path := c.Query("path")
	domain := domainOrDefault(c.Query("domain"))
	if path == "" {
		badRequestError(c, "path is required")
		return
	}

	var req updateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestError(c, err.Error())
		return
	}

	metadataOnly := req.Content == nil

	var decision *guard.Decision
	blocked := false
	var result *memnode.UpdateResult
	err := s.lanes.RunWrite(c.Request.Context(), "http", func(ctx context.Context) error {
		if metadataOnly {
			decision = &guard.Decision{Action: guard.ActionBypass, Reason: "metadata-only update", Method: guard.MethodNone}
		} else {
			m, gerr := s.mem.GetMemoryByPath(path, domain)
			if gerr != nil {
				return gerr
			}
			if m == nil {
				return apperr.NotFound("path %s://%s not found", domain, path)
			}
			var derr error
			decision, derr = s.guard.Evaluate(ctx, *req.Content, domain, "", m.ID)
			if derr != nil {
				return derr
			}
			if decision.Action == guard.ActionNoop || decision.Action == guard.ActionDelete ||
				(decision.Action == guard.ActionUpdate && (decision.TargetID == nil || *decision.TargetID != m.ID)) {
				blocked = true
				return apperr.Conflict("write blocked by guard: %s (%s)", decision.Action, decision.Reason)
			}
		}
		var uerr error
		result, uerr = s.mem.UpdateMemory(path, domain, req.Content, req.Priority, req.Disclosure)
		return uerr
	})
	s.recordGuardEvent("update_node", decision, blocked)
	if err != nil {
		writeEngineError(c, err)
		return
	}

	if result.NewMemoryID > 0 {
		id := result.NewMemoryID
		s.worker.Enqueue(indexworker.TaskReindexMemory, &id, "update_node")
		s.trackWriteVolume("http", len(*req.Content))
		okResponse(c, gin.H{"new_memory_id": result.NewMemoryID})
		return
	}
	okResponse(c, gin.H{})
}

// deleteNode implements DELETE /browse/node?path=&domain=.
func (s *Server) deleteNode(c *gin.Context) {
	path := c.Query("path")
	domain := domainOrDefault(c.Query("domain"))
	if path == "" {
		badRequestError(c, "path is required")
		return
	}

	var result *memnode.RemovePathResult
	err := s.lanes.RunWrite(c.Request.Context(), "http", func(ctx context.Context) error {
		var rerr error
		result, rerr = s.mem.RemovePath(path, domain)
		return rerr
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	okResponse(c, gin.H{"orphaned": result.Orphaned})
}
