package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hyphamind/hyphamind/internal/indexworker"
	"github.com/hyphamind/hyphamind/internal/observability"
	"github.com/hyphamind/hyphamind/internal/retrieval"
	"github.com/hyphamind/hyphamind/internal/vitality"
)

func buildSearchEvent(req observabilitySearchRequest, resp *retrieval.SearchResponse, elapsed time.Duration) observability.SearchEvent {
	return observability.SearchEvent{
		Timestamp:               time.Now().UTC(),
		ModeRequested:           req.Mode,
		ModeApplied:             string(resp.Mode),
		LatencyMS:               float64(elapsed.Microseconds()) / 1000.0,
		Degraded:                resp.Degraded,
		DegradeReasons:          resp.DegradeReasons,
		ReturnedCount:           len(resp.Results),
		Intent:                  resp.Metadata.Intent,
		IntentApplied:           resp.Metadata.IntentApplied,
		StrategyTemplate:        resp.Metadata.StrategyTemplate,
		StrategyTemplateApplied: resp.Metadata.StrategyTemplateApplied,
	}
}

// indexStatus implements GET /maintenance/index/status.
func (s *Server) indexStatus(c *gin.Context) {
	okResponse(c, gin.H{
		"queue_depth": s.worker.QueueDepth(),
		"recent_jobs": s.worker.RecentJobs(),
	})
}

type enqueueJobRequest struct {
	TaskType string `json:"task_type" binding:"required"`
	MemoryID *int64 `json:"memory_id"`
	Reason   string `json:"reason"`
}

// enqueueIndexJob implements POST /maintenance/index/jobs.
func (s *Server) enqueueIndexJob(c *gin.Context) {
	var req enqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestError(c, err.Error())
		return
	}
	outcome := s.worker.Enqueue(indexworker.TaskType(req.TaskType), req.MemoryID, req.Reason)
	if outcome.Dropped {
		c.JSON(503, gin.H{
			"ok":        false,
			"error":     "index_job_enqueue_failed",
			"reason":    outcome.Reason,
			"operation": req.TaskType,
		})
		return
	}
	okResponse(c, gin.H{"queued": outcome.Queued, "deduped": outcome.Deduped, "job_id": outcome.JobID})
}

// cancelIndexJob implements POST /maintenance/index/jobs/:id/cancel.
func (s *Server) cancelIndexJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequestError(c, "invalid job id")
		return
	}
	if err := s.worker.CancelJob(id, "api_cancel"); err != nil {
		conflictError(c, err.Error())
		return
	}
	okResponse(c, gin.H{})
}

// retryIndexJob implements POST /maintenance/index/jobs/:id/retry.
func (s *Server) retryIndexJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequestError(c, "invalid job id")
		return
	}
	outcome, err := s.worker.RetryJob(id, "")
	if err != nil {
		conflictError(c, err.Error())
		return
	}
	okResponse(c, gin.H{"queued": outcome.Queued, "job_id": outcome.JobID})
}

type vitalityDecayRequest struct {
	Force  bool   `json:"force"`
	Reason string `json:"reason"`
}

// vitalityDecay implements POST /maintenance/vitality/decay.
func (s *Server) vitalityDecay(c *gin.Context) {
	var req vitalityDecayRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "api"
	}
	result, err := s.vit.ApplyVitalityDecay(req.Force, req.Reason)
	if err != nil {
		internalError(c, err.Error())
		return
	}
	okResponse(c, gin.H{"applied": result.Applied, "reason": result.Reason, "updated": result.Updated})
}

// vitalityCandidates implements GET /maintenance/vitality/candidates.
func (s *Server) vitalityCandidates(c *gin.Context) {
	threshold := queryFloat(c, "threshold", 0.35)
	inactiveDays := queryInt(c, "inactive_days", 14)
	limit := queryInt(c, "limit", 100)
	domain := c.Query("domain")
	pathPrefix := c.Query("path_prefix")

	result, err := s.vit.GetVitalityCleanupCandidates(threshold, inactiveDays, domain, pathPrefix, limit)
	if err != nil {
		s.obs.RecordCleanupQuery(observability.CleanupQueryEvent{
			Timestamp: time.Now().UTC(),
			Degraded:  true,
		})
		internalError(c, err.Error())
		return
	}
	s.obs.RecordCleanupQuery(observability.CleanupQueryEvent{
		Timestamp:      time.Now().UTC(),
		QueryMS:        float64(result.ElapsedMS),
		CandidateCount: len(result.Candidates),
		MemoryIndexHit: result.MemoryIndexHit,
		PathIndexHit:   result.PathIndexHit,
		FullScan:       !result.MemoryIndexHit,
	})
	okResponse(c, gin.H{
		"candidates":       result.Candidates,
		"elapsed_ms":       result.ElapsedMS,
		"memory_index_hit": result.MemoryIndexHit,
		"path_index_hit":   result.PathIndexHit,
	})
}

type cleanupSelectionRequest struct {
	MemoryID      int64   `json:"memory_id"`
	StateHash     string  `json:"state_hash"`
	URI           string  `json:"uri"`
	VitalityScore float64 `json:"vitality_score"`
	InactiveDays  float64 `json:"inactive_days"`
	CanDelete     bool    `json:"can_delete"`
}

type vitalityPrepareRequest struct {
	Action     string                    `json:"action" binding:"required"`
	Reviewer   string                    `json:"reviewer"`
	TTLSeconds int                       `json:"ttl_seconds"`
	Selections []cleanupSelectionRequest `json:"selections" binding:"required"`
}

// vitalityPrepare implements POST /maintenance/vitality/cleanup/prepare.
func (s *Server) vitalityPrepare(c *gin.Context) {
	var req vitalityPrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestError(c, err.Error())
		return
	}

	selections := make([]vitality.CleanupSelection, len(req.Selections))
	for i, sel := range req.Selections {
		selections[i] = vitality.CleanupSelection{
			MemoryID: sel.MemoryID, StateHash: sel.StateHash, URI: sel.URI,
			VitalityScore: sel.VitalityScore, InactiveDays: sel.InactiveDays, CanDelete: sel.CanDelete,
		}
	}

	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	result, err := s.vit.Prepare(req.Action, selections, req.Reviewer, ttl)
	if err != nil {
		if result != nil {
			conflictErrorWithIDs(c, err.Error(), result.MissingIDs, result.StaleIDs)
			return
		}
		writeEngineError(c, err)
		return
	}
	okResponse(c, gin.H{
		"review_id":           result.Review.ReviewID,
		"token":               result.Review.Token,
		"confirmation_phrase": result.Review.ConfirmationPhrase,
		"expires_at":          result.Review.ExpiresAt,
	})
}

func conflictErrorWithIDs(c *gin.Context, message string, missing, stale []int64) {
	c.JSON(409, gin.H{"ok": false, "message": message, "missing_ids": missing, "stale_ids": stale})
}

type vitalityConfirmRequest struct {
	ReviewID           string `json:"review_id" binding:"required"`
	Token              string `json:"token" binding:"required"`
	ConfirmationPhrase string `json:"confirmation_phrase" binding:"required"`
}

// vitalityConfirm implements POST /maintenance/vitality/cleanup/confirm.
func (s *Server) vitalityConfirm(c *gin.Context) {
	var req vitalityConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestError(c, err.Error())
		return
	}
	outcome, err := s.vit.Confirm(req.ReviewID, req.Token, req.ConfirmationPhrase)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	okResponse(c, gin.H{
		"deleted": outcome.Deleted,
		"kept":    outcome.Kept,
		"skipped": outcome.Skipped,
		"errors":  outcome.Errors,
	})
}

// runConsolidate implements POST /maintenance/consolidate/run.
func (s *Server) runConsolidate(c *gin.Context) {
	reason := c.DefaultQuery("reason", "manual")
	report, err := s.consolidator.Run(c.Request.Context(), reason)
	if err != nil {
		internalError(c, err.Error())
		return
	}
	okResponse(c, gin.H{"report": report})
}

// observabilitySummary implements GET /maintenance/observability/summary.
func (s *Server) observabilitySummary(c *gin.Context) {
	topN := queryInt(c, "top_n", 5)
	okResponse(c, gin.H{
		"search":  s.obs.SearchSummaryTopN(topN),
		"guard":   s.obs.GuardSummary(),
		"cleanup": s.obs.CleanupQuerySummary(),
	})
}

type observabilitySearchRequest struct {
	Query               string             `json:"query"`
	Mode                string             `json:"mode"`
	MaxResults          int                `json:"max_results"`
	CandidateMultiplier int                `json:"candidate_multiplier"`
	IncludeSession      bool               `json:"include_session"`
	SessionID           string             `json:"session_id"`
	Filters             observabilityFilters `json:"filters"`
}

type observabilityFilters struct {
	Domain       string `json:"domain"`
	PathPrefix   string `json:"path_prefix"`
	MaxPriority  int    `json:"max_priority"`
	UpdatedAfter string `json:"updated_after"`
}

// observabilitySearch implements the stable response contract of
// POST /maintenance/observability/search.
func (s *Server) observabilitySearch(c *gin.Context) {
	var req observabilitySearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestError(c, err.Error())
		return
	}

	filters := retrieval.Filters{Domain: req.Filters.Domain, PathPrefix: req.Filters.PathPrefix, MaxPriority: req.Filters.MaxPriority}
	if req.Filters.UpdatedAfter != "" {
		if t, err := time.Parse(time.RFC3339, req.Filters.UpdatedAfter); err == nil {
			filters.UpdatedAfter = t
		}
	}

	start := time.Now()
	resp := s.retrieval.Search(c.Request.Context(), retrieval.Query{
		Query: req.Query, Mode: retrieval.Mode(req.Mode), MaxResults: req.MaxResults,
		CandidateMultiplier: req.CandidateMultiplier, Filters: filters,
	})
	elapsed := time.Since(start)

	globalCount := len(resp.Results)
	sessionCount := 0
	if req.IncludeSession && req.SessionID != "" {
		for _, r := range resp.Results {
			s.sessions.RecordHit(req.SessionID, r.URI)
		}
		sessionCount = s.sessions.Count(req.SessionID)
	}

	event := buildSearchEvent(req, resp, elapsed)
	event.SessionCount = sessionCount
	event.GlobalCount = globalCount
	s.obs.RecordSearch(event)

	okResponse(c, gin.H{
		"query":                     req.Query,
		"query_effective":           resp.QueryEffective,
		"intent":                    resp.Metadata.Intent,
		"intent_profile":            resp.Metadata.Intent,
		"intent_applied":            resp.Metadata.IntentApplied,
		"strategy_template":         resp.Metadata.StrategyTemplate,
		"strategy_template_applied": resp.Metadata.StrategyTemplateApplied,
		"mode_requested":            req.Mode,
		"mode_applied":              resp.Mode,
		"filters":                   req.Filters,
		"max_results":               req.MaxResults,
		"candidate_multiplier":      req.CandidateMultiplier,
		"degraded":                  resp.Degraded,
		"degrade_reasons":           resp.DegradeReasons,
		"counts":                    gin.H{"session": sessionCount, "global": globalCount, "returned": len(resp.Results)},
		"results":                   resp.Results,
		"backend_metadata":          resp.Metadata,
		"timestamp":                 time.Now().UTC(),
	})
}

// writelaneStatus implements GET /maintenance/writelane/status.
func (s *Server) writelaneStatus(c *gin.Context) {
	status := s.lanes.Status()
	okResponse(c, gin.H{
		"global_concurrency":  status.GlobalConcurrency,
		"global_active":       status.GlobalActive,
		"global_waiting":      status.GlobalWaiting,
		"session_waiting":     status.SessionWaiting,
		"max_session_waiting": status.MaxSessionWaiting,
	})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func queryFloat(c *gin.Context, key string, fallback float64) float64 {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
