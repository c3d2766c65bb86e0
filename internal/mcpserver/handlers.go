package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyphamind/hyphamind/internal/apperr"
	"github.com/hyphamind/hyphamind/internal/consolidate"
	"github.com/hyphamind/hyphamind/internal/guard"
	"github.com/hyphamind/hyphamind/internal/indexworker"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/observability"
	"github.com/hyphamind/hyphamind/internal/retrieval"
)

const defaultDomain = "core"

func domainOrDefault(d string) string {
	if d == "" {
		return defaultDomain
	}
	return d
}

// engineErrorResult maps an apperr.Kind to a descriptive tool-error result,
// mirroring writeEngineError's Kind switch in internal/api/errors.go but
// rendering to CallToolResult text instead of an HTTP status.
func engineErrorResult(err error) CallToolResult {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return errorResult(fmt.Sprintf("%s: %s", ae.Kind, ae.Reason))
	}
	return errorResult(err.Error())
}

func jsonResult(v interface{}) CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err))
	}
	return textResult(string(b))
}

type searchMemoryParams struct {
	Query               string `json:"query"`
	Mode                string `json:"mode"`
	MaxResults          int    `json:"max_results"`
	CandidateMultiplier int    `json:"candidate_multiplier"`
	Domain              string `json:"domain"`
	PathPrefix          string `json:"path_prefix"`
	MaxPriority         int    `json:"max_priority"`
	IntentProfile       string `json:"intent_profile"`
}

// handleSearchMemory implements the search_memory tool, replicating the
// search_advanced response contract of internal/api's
// POST /maintenance/observability/search handler.
func (s *Server) handleSearchMemory(ctx context.Context, args map[string]interface{}) CallToolResult {
	var p searchMemoryParams
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}

	var intentProfile *string
	if p.IntentProfile != "" {
		intentProfile = &p.IntentProfile
	}

	start := time.Now()
	resp := s.retrieval.Search(ctx, retrieval.Query{
		Query:               p.Query,
		Mode:                retrieval.Mode(p.Mode),
		MaxResults:          p.MaxResults,
		CandidateMultiplier: p.CandidateMultiplier,
		Filters: retrieval.Filters{
			Domain:      p.Domain,
			PathPrefix:  p.PathPrefix,
			MaxPriority: p.MaxPriority,
		},
		IntentProfile: intentProfile,
	})
	elapsed := time.Since(start)

	if s.obs != nil {
		s.obs.RecordSearch(observability.SearchEvent{
			Timestamp:               time.Now().UTC(),
			ModeRequested:           p.Mode,
			ModeApplied:             string(resp.Mode),
			LatencyMS:               float64(elapsed.Microseconds()) / 1000.0,
			Degraded:                resp.Degraded,
			DegradeReasons:          resp.DegradeReasons,
			ReturnedCount:           len(resp.Results),
			Intent:                  resp.Metadata.Intent,
			IntentApplied:           resp.Metadata.IntentApplied,
			StrategyTemplate:        resp.Metadata.StrategyTemplate,
			StrategyTemplateApplied: resp.Metadata.StrategyTemplateApplied,
		})
	}

	return jsonResult(map[string]interface{}{
		"ok":                        true,
		"query":                     p.Query,
		"query_effective":           resp.QueryEffective,
		"mode_requested":            p.Mode,
		"mode_applied":              resp.Mode,
		"backend_method":            resp.Mode,
		"results":                   resp.Results,
		"degraded":                  resp.Degraded,
		"degrade_reasons":           resp.DegradeReasons,
		"intent":                    resp.Metadata.Intent,
		"intent_profile":            resp.Metadata.Intent,
		"intent_applied":            resp.Metadata.IntentApplied,
		"strategy_template":         resp.Metadata.StrategyTemplate,
		"strategy_template_applied": resp.Metadata.StrategyTemplateApplied,
	})
}

type compactContextParams struct {
	Path     string `json:"path"`
	Domain   string `json:"domain"`
	MaxWords int    `json:"max_words"`
}

// handleCompactContext implements the compact_context tool: return the
// node's latest stored gist whenever one exists (its source hash is not
// compared with the current content), else build one on demand from the
// node's own content plus its children's content/gist snippets, using the
// same LLM-with-extractive-fallback builder the sleep consolidator uses.
func (s *Server) handleCompactContext(ctx context.Context, args map[string]interface{}) CallToolResult {
	var p compactContextParams
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	domain := domainOrDefault(p.Domain)

	m, err := s.mem.GetMemoryByPath(p.Path, domain)
	if err != nil {
		return engineErrorResult(err)
	}
	if m == nil {
		return engineErrorResult(apperr.NotFound("path %s://%s not found", domain, p.Path))
	}

	if gist, err := s.mem.GetGist(m.ID); err == nil && gist != nil {
		return jsonResult(map[string]interface{}{
			"ok": true, "path": p.Path, "domain": domain,
			"gist_text": gist.Text, "gist_method": gist.Method, "source": "cached",
		})
	}

	snippets := []string{m.Content}
	children, err := s.mem.GetChildren(&m.ID, domain)
	if err == nil {
		for _, c := range children {
			if c.GistText != "" {
				snippets = append(snippets, c.GistText)
			} else if c.ContentSnip != "" {
				snippets = append(snippets, c.ContentSnip)
			}
		}
	}

	text := consolidate.BuildGist(ctx, s.gister, snippets)

	return jsonResult(map[string]interface{}{
		"ok": true, "path": p.Path, "domain": domain,
		"gist_text": text, "gist_method": "on_demand_extractive", "source": "generated",
	})
}

type createMemoryParams struct {
	ParentPath string `json:"parent_path"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Priority   int    `json:"priority"`
	Disclosure string `json:"disclosure"`
	Domain     string `json:"domain"`
}

// handleCreateMemory implements the create_memory tool, mirroring
// createNode in internal/api/handlers_browse.go: guard-gated create, then
// index-job enqueue for every touched memory.
func (s *Server) handleCreateMemory(ctx context.Context, args map[string]interface{}) CallToolResult {
	var p createMemoryParams
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	domain := domainOrDefault(p.Domain)
	if p.Priority == 0 {
		p.Priority = 5
	}

	var decision *guard.Decision
	var result *memnode.CreateResult
	err := s.lanes.RunWrite(ctx, "mcp", func(ctx context.Context) error {
		var gerr error
		decision, gerr = s.guard.Evaluate(ctx, p.Content, domain, p.ParentPath, 0)
		if gerr != nil {
			return gerr
		}
		if decision.Action == guard.ActionNoop || decision.Action == guard.ActionUpdate || decision.Action == guard.ActionDelete {
			return nil
		}
		var cerr error
		result, cerr = s.mem.CreateMemory(p.ParentPath, p.Content, p.Priority, p.Title, domain, p.Disclosure)
		if cerr != nil {
			return cerr
		}
		for _, id := range result.IndexTargets {
			id := id
			s.worker.Enqueue(indexworker.TaskReindexMemory, &id, "create_memory")
		}
		return nil
	})
	if err != nil {
		return engineErrorResult(err)
	}

	blocked := decision != nil && (decision.Action == guard.ActionNoop || decision.Action == guard.ActionUpdate || decision.Action == guard.ActionDelete)
	s.recordGuardEvent("create_memory", decision, blocked)

	if blocked {
		return jsonResult(map[string]interface{}{
			"ok": true, "created": false,
			"message": fmt.Sprintf("write blocked by guard: %s (%s)", decision.Action, decision.Reason),
			"guard":   decisionJSON(decision),
		})
	}
	s.trackWriteVolume(len(p.Content))
	return jsonResult(map[string]interface{}{
		"ok": true, "created": true, "uri": result.URI, "memory_id": result.ID,
		"guard": decisionJSON(decision),
	})
}

// trackWriteVolume mirrors internal/api's flush-tracker wiring: enough
// admitted write volume schedules an early sleep-consolidation pass.
func (s *Server) trackWriteVolume(contentChars int) {
	if s.flush == nil {
		return
	}
	if s.flush.RecordEvent("mcp", contentChars) {
		s.worker.Enqueue(indexworker.TaskSleepConsolidate, nil, "flush:mcp")
	}
}

// recordGuardEvent mirrors internal/api's guard-event recording so MCP
// writes land in the same observability window as HTTP writes.
func (s *Server) recordGuardEvent(operation string, d *guard.Decision, blocked bool) {
	if s.obs == nil || d == nil {
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

func decisionJSON(d *guard.Decision) map[string]interface{} {
	if d == nil {
		return map[string]interface{}{}
	}
	h := map[string]interface{}{
		"action": d.Action, "reason": d.Reason, "method": d.Method,
		"degraded": d.Degraded, "degrade_reasons": d.DegradeReasons,
	}
	if d.TargetID != nil {
		h["target_id"] = *d.TargetID
		h["target_uri"] = d.TargetURI
	}
	return h
}

type updateMemoryParams struct {
	Path       string  `json:"path"`
	Domain     string  `json:"domain"`
	Content    *string `json:"content"`
	Priority   *int    `json:"priority"`
	Disclosure *string `json:"disclosure"`
}

// handleUpdateMemory implements the update_memory tool, mirroring
// updateNode: content changes are guard-gated against the node's own id;
// metadata-only changes bypass the guard.
func (s *Server) handleUpdateMemory(ctx context.Context, args map[string]interface{}) CallToolResult {
	var p updateMemoryParams
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	domain := domainOrDefault(p.Domain)
	metadataOnly := p.Content == nil

	var decision *guard.Decision
	blocked := false
	var result *memnode.UpdateResult
	err := s.lanes.RunWrite(ctx, "mcp", func(ctx context.Context) error {
		if metadataOnly {
			decision = &guard.Decision{Action: guard.ActionBypass, Reason: "metadata-only update", Method: guard.MethodNone}
		} else {
			m, gerr := s.mem.GetMemoryByPath(p.Path, domain)
			if gerr != nil {
				return gerr
			}
			if m == nil {
				return apperr.NotFound("path %s://%s not found", domain, p.Path)
			}
			var derr error
			decision, derr = s.guard.Evaluate(ctx, *p.Content, domain, "", m.ID)
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
		result, uerr = s.mem.UpdateMemory(p.Path, domain, p.Content, p.Priority, p.Disclosure)
		return uerr
	})
	s.recordGuardEvent("update_memory", decision, blocked)
	if err != nil {
		return engineErrorResult(err)
	}

	if result.NewMemoryID > 0 {
		id := result.NewMemoryID
		s.worker.Enqueue(indexworker.TaskReindexMemory, &id, "update_memory")
		s.trackWriteVolume(len(*p.Content))
		return jsonResult(map[string]interface{}{"ok": true, "new_memory_id": result.NewMemoryID})
	}
	return jsonResult(map[string]interface{}{"ok": true})
}

type readMemoryParams struct {
	Path   string `json:"path"`
	Domain string `json:"domain"`
}

// handleReadMemory implements the read_memory tool, mirroring getNode.
func (s *Server) handleReadMemory(args map[string]interface{}) CallToolResult {
	var p readMemoryParams
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	domain := domainOrDefault(p.Domain)

	if p.Path == "" {
		children, err := s.mem.GetChildren(nil, domain)
		if err != nil {
			return engineErrorResult(err)
		}
		return jsonResult(map[string]interface{}{
			"ok":       true,
			"node":     map[string]interface{}{"path": "", "domain": domain, "uri": domain + "://", "name": ""},
			"children": childPreviewJSON(children),
		})
	}

	m, err := s.mem.GetMemoryByPath(p.Path, domain)
	if err != nil {
		return engineErrorResult(err)
	}
	if m == nil {
		return engineErrorResult(apperr.NotFound("path %s://%s not found", domain, p.Path))
	}

	node := map[string]interface{}{
		"path": p.Path, "domain": domain, "uri": domain + "://" + p.Path,
		"name": lastSegment(p.Path), "content": m.Content, "priority": m.Priority,
		"created_at": m.CreatedAt, "vitality_score": m.VitalityScore,
	}
	if m.Disclosure.Valid {
		node["disclosure"] = m.Disclosure.String
	}
	paths, err := s.mem.PathsForMemory(m.ID)
	if err != nil {
		return engineErrorResult(err)
	}
	aliases := make([]map[string]interface{}, 0, len(paths))
	for _, pth := range paths {
		if pth.Domain == domain && pth.Path == p.Path {
			continue
		}
		aliases = append(aliases, map[string]interface{}{"domain": pth.Domain, "path": pth.Path, "uri": pth.URI()})
	}
	node["aliases"] = aliases

	if gist, err := s.mem.GetGist(m.ID); err == nil && gist != nil {
		node["gist_text"] = gist.Text
		node["gist_method"] = gist.Method
	}

	children, err := s.mem.GetChildren(&m.ID, domain)
	if err != nil {
		return engineErrorResult(err)
	}

	if s.vit != nil {
		s.vit.ReinforceAccess([]int64{m.ID})
	}

	return jsonResult(map[string]interface{}{"ok": true, "node": node, "children": childPreviewJSON(children)})
}

// childPreviewJSON renders ChildPreview rows with the same lower_snake_case
// keys internal/api's childPreviewJSON uses, since memnode.ChildPreview
// carries no json tags of its own.
func childPreviewJSON(children []memnode.ChildPreview) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(children))
	for _, c := range children {
		item := map[string]interface{}{
			"path": c.Path, "domain": c.Domain, "uri": c.URI, "memory_id": c.MemoryID,
			"title": c.Title, "content_snippet": c.ContentSnip, "has_child_path": c.HasChildPath,
		}
		if c.GistText != "" {
			item["gist_text"] = c.GistText
			item["gist_method"] = c.GistMethod
		}
		out = append(out, item)
	}
	return out
}

func lastSegment(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

type rebuildIndexParams struct {
	Reason string `json:"reason"`
}

// handleRebuildIndex implements the rebuild_index tool.
func (s *Server) handleRebuildIndex(args map[string]interface{}) CallToolResult {
	var p rebuildIndexParams
	if err := decodeArgs(args, &p); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	if p.Reason == "" {
		p.Reason = "mcp_rebuild_index"
	}
	outcome := s.worker.Enqueue(indexworker.TaskRebuildIndex, nil, p.Reason)
	if outcome.Dropped {
		return errorResult("rebuild_index_enqueue_failed: " + outcome.Reason)
	}
	return jsonResult(map[string]interface{}{
		"ok": true, "queued": outcome.Queued, "deduped": outcome.Deduped, "job_id": outcome.JobID,
	})
}
