// Package vitality implements the access-reinforcement, daily-decay, and
// two-phase state-hash-locked cleanup lifecycle for stored memories.
package vitality

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyphamind/hyphamind/internal/apperr"
	"github.com/hyphamind/hyphamind/internal/logging"
	"github.com/hyphamind/hyphamind/internal/memnode"
	"github.com/hyphamind/hyphamind/internal/store"
)

var log = logging.GetLogger("vitality")

// Engine owns the vitality lifecycle: reinforcement, decay, and cleanup.
type Engine struct {
	s    *store.Store
	mem  *memnode.Engine
	cfg  DecayCoordinatorConfig

	decayMu        sync.Mutex
	lastDecayDate  string // YYYY-MM-DD UTC of the last applied decay
	lastDecayCheck time.Time

	reviewMu    sync.Mutex
	reviews     map[string]*CleanupReview
	reviewTTL   time.Duration
	maxPending  int
}

// DecayCoordinatorConfig bounds how often unforced decay checks actually run.
type DecayCoordinatorConfig struct {
	CheckInterval time.Duration
}

func New(s *store.Store, mem *memnode.Engine, cfg DecayCoordinatorConfig, reviewTTL time.Duration, maxPending int) *Engine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Hour
	}
	if reviewTTL <= 0 {
		reviewTTL = 10 * time.Minute
	}
	if maxPending <= 0 {
		maxPending = 50
	}
	return &Engine{
		s:          s,
		mem:        mem,
		cfg:        cfg,
		reviews:    make(map[string]*CleanupReview),
		reviewTTL:  reviewTTL,
		maxPending: maxPending,
	}
}

// ReinforceAccess applies the reinforcement rule to each positive-integer
// memory id in ids: access_count += 1, last_accessed_at = now,
// vitality_score = min(cap, vitality_score + delta). Failures are
// swallowed (counts may lag but never regress); invalid ids are silently
// skipped.
func (e *Engine) ReinforceAccess(ids []int64) {
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		err := e.s.Session(func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				UPDATE memories
				SET access_count = access_count + 1,
				    last_accessed_at = CURRENT_TIMESTAMP,
				    vitality_score = MIN(?, vitality_score + ?)
				WHERE id = ?
			`, VitalityCap, ReinforceDelta, id)
			return err
		})
		if err != nil {
			log.Warn("reinforcement failed, swallowing", "memory_id", id, "err", err)
		}
	}
}

// ApplyDecayResult reports the outcome of ApplyVitalityDecay.
type ApplyDecayResult struct {
	Applied bool
	Reason  string
	Updated int
}

// ApplyVitalityDecay is a single-flight, once-per-UTC-day operation. With
// force=false, a call on a day decay has already run returns
// {applied:false, reason:"already_applied_today"}. The coordinator also
// suppresses non-forced calls more often than CheckInterval.
func (e *Engine) ApplyVitalityDecay(force bool, reason string) (*ApplyDecayResult, error) {
	e.decayMu.Lock()
	defer e.decayMu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if !force {
		if e.lastDecayDate == today {
			return &ApplyDecayResult{Applied: false, Reason: "already_applied_today"}, nil
		}
		if !e.lastDecayCheck.IsZero() && time.Since(e.lastDecayCheck) < e.cfg.CheckInterval {
			return &ApplyDecayResult{Applied: false, Reason: "check_interval_not_elapsed"}, nil
		}
	}
	e.lastDecayCheck = time.Now()

	now := time.Now().UTC()
	updated := 0
	err := e.s.Session(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id, vitality_score, last_accessed_at FROM memories`)
		if err != nil {
			return err
		}
		type row struct {
			id    int64
			vit   float64
			last  sql.NullTime
		}
		var items []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.vit, &r.last); err != nil {
				rows.Close()
				return err
			}
			items = append(items, r)
		}
		rows.Close()

		for _, r := range items {
			if !r.last.Valid {
				continue
			}
			days := now.Sub(r.last.Time).Hours() / 24
			if days <= 0 {
				continue
			}
			newVit := r.vit * math.Exp(-DecayLambda*days)
			if _, err := tx.Exec(`UPDATE memories SET vitality_score = ? WHERE id = ?`, newVit, r.id); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.lastDecayDate = today
	log.Info("vitality decay applied", "reason", reason, "updated", updated, "forced", force)
	return &ApplyDecayResult{Applied: true, Updated: updated}, nil
}

// CleanupCandidate is one row of get_vitality_cleanup_candidates.
type CleanupCandidate struct {
	MemoryID      int64
	URI           string
	VitalityScore float64
	InactiveDays  float64
	AccessCount   int64
	PathCount     int
	CanDelete     bool
	StateHash     string
	ReasonCodes   []string
}

// CandidateQueryResult wraps the candidates plus the query profile the
// observability layer records.
type CandidateQueryResult struct {
	Candidates       []CleanupCandidate
	ElapsedMS        int64
	MemoryIndexHit   bool
	PathIndexHit     bool
}

// GetVitalityCleanupCandidates returns memories below threshold, inactive
// for at least inactiveDays, sorted by ascending vitality then ascending
// last_accessed_at, optionally scoped to domain/path_prefix.
func (e *Engine) GetVitalityCleanupCandidates(threshold float64, inactiveDays int, domain, pathPrefix string, limit int) (*CandidateQueryResult, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT m.id, m.vitality_score, m.last_accessed_at, m.access_count, m.deprecated,
		       (SELECT COUNT(*) FROM paths p WHERE p.memory_id = m.id) as path_count
		FROM memories m
		WHERE m.vitality_score < ?
		  AND m.last_accessed_at IS NOT NULL
		  AND m.last_accessed_at <= datetime('now', ?)
	`
	args := []any{threshold, fmt.Sprintf("-%d days", inactiveDays)}

	if domain != "" || pathPrefix != "" {
		query += ` AND m.id IN (SELECT memory_id FROM paths WHERE 1=1`
		if domain != "" {
			query += ` AND domain = ?`
			args = append(args, domain)
		}
		if pathPrefix != "" {
			query += ` AND path LIKE ?`
			args = append(args, pathPrefix+"%")
		}
		query += `)`
	}
	query += ` ORDER BY m.vitality_score ASC, m.last_accessed_at ASC LIMIT ?`
	args = append(args, limit)

	type scanned struct {
		id           int64
		vit          float64
		lastAccessed sql.NullTime
		accessCount  int64
		deprecated   bool
		pathCount    int
	}
	var raw []scanned
	now := time.Now().UTC()

	// Scan plain rows first; path/state-hash annotation re-enters the store
	// and must not run while the read lock is held.
	err := e.s.ReadOnly(func(db *sql.DB) error {
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var r scanned
			if err := rows.Scan(&r.id, &r.vit, &r.lastAccessed, &r.accessCount, &r.deprecated, &r.pathCount); err != nil {
				return err
			}
			raw = append(raw, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	var out []CleanupCandidate
	for _, r := range raw {
		paths, err := e.mem.PathsForMemory(r.id)
		if err != nil {
			return nil, err
		}
		uri := ""
		if len(paths) > 0 {
			uri = paths[0].URI()
		}

		var inactiveDaysF float64
		if r.lastAccessed.Valid {
			inactiveDaysF = now.Sub(r.lastAccessed.Time).Hours() / 24
		}

		canDelete := r.deprecated || r.pathCount == 0
		var reasons []string
		if r.pathCount == 0 {
			reasons = append(reasons, "orphaned")
		}
		if r.vit < threshold {
			reasons = append(reasons, "low_vitality")
		}

		stateHash, err := e.mem.StateHash(r.id)
		if err != nil {
			return nil, err
		}

		out = append(out, CleanupCandidate{
			MemoryID:      r.id,
			URI:           uri,
			VitalityScore: r.vit,
			InactiveDays:  inactiveDaysF,
			AccessCount:   r.accessCount,
			PathCount:     r.pathCount,
			CanDelete:     canDelete,
			StateHash:     stateHash,
			ReasonCodes:   reasons,
		})
	}

	return &CandidateQueryResult{
		Candidates:     out,
		ElapsedMS:      time.Since(start).Milliseconds(),
		MemoryIndexHit: true,
		PathIndexHit:   domain != "" || pathPrefix != "",
	}, nil
}

// CleanupSelection is one item a reviewer proposes for prepare/confirm.
type CleanupSelection struct {
	MemoryID      int64
	StateHash     string
	URI           string
	VitalityScore float64
	InactiveDays  float64
	CanDelete     bool
}

// CleanupReview is the in-memory two-phase review record.
type CleanupReview struct {
	ReviewID            string
	Token               string
	ConfirmationPhrase  string
	Action              string // "delete" | "keep"
	Reviewer            string
	Selections          []CleanupSelection
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// PrepareResult is returned by Prepare.
type PrepareResult struct {
	Review     *CleanupReview
	MissingIDs []int64
	StaleIDs   []int64
}

// Prepare re-fetches current state for each selection and compares
// state-hash; any mismatch is a 409-class Conflict error carrying
// missing_ids/stale_ids. On success it mints a review_id/token/phrase.
func (e *Engine) Prepare(action string, selections []CleanupSelection, reviewer string, ttl time.Duration) (*PrepareResult, error) {
	var missing, stale []int64

	for i, sel := range selections {
		hash, err := e.mem.StateHash(sel.MemoryID)
		if err != nil {
			missing = append(missing, sel.MemoryID)
			continue
		}
		if hash != sel.StateHash {
			stale = append(stale, sel.MemoryID)
			continue
		}
		selections[i].StateHash = hash
	}

	if len(missing) > 0 || len(stale) > 0 {
		return &PrepareResult{MissingIDs: missing, StaleIDs: stale}, apperr.Conflict("cleanup prepare found missing or stale selections")
	}

	e.reviewMu.Lock()
	defer e.reviewMu.Unlock()

	e.evictExpiredLocked()
	// At capacity the oldest pending review is evicted so a new request is
	// always admitted.
	for len(e.reviews) >= e.maxPending {
		oldestID := ""
		var oldestAt time.Time
		for id, r := range e.reviews {
			if oldestID == "" || r.CreatedAt.Before(oldestAt) {
				oldestID, oldestAt = id, r.CreatedAt
			}
		}
		delete(e.reviews, oldestID)
	}

	if ttl <= 0 {
		ttl = e.reviewTTL
	}
	reviewID := uuid.New().String()
	token := randomToken(16)
	phrase := fmt.Sprintf("CONFIRM %s %d", strings.ToUpper(action), len(selections))

	review := &CleanupReview{
		ReviewID:           reviewID,
		Token:              token,
		ConfirmationPhrase: phrase,
		Action:             action,
		Reviewer:           reviewer,
		Selections:         selections,
		CreatedAt:          time.Now().UTC(),
		ExpiresAt:          time.Now().UTC().Add(ttl),
	}
	e.reviews[reviewID] = review

	return &PrepareResult{Review: review}, nil
}

func (e *Engine) evictExpiredLocked() {
	now := time.Now().UTC()
	for id, r := range e.reviews {
		if now.After(r.ExpiresAt) {
			delete(e.reviews, id)
		}
	}
}

// ConfirmOutcome is the per-item result of Confirm.
type ConfirmOutcome struct {
	Deleted []int64
	Kept    []int64
	Skipped map[int64]string // memory id -> reason
	Errors  map[int64]string
}

// Confirm atomically consumes a review, re-checking each selection's
// state-hash before acting.
func (e *Engine) Confirm(reviewID, token, confirmationPhrase string) (*ConfirmOutcome, error) {
	e.reviewMu.Lock()
	review, ok := e.reviews[reviewID]
	if ok {
		delete(e.reviews, reviewID) // atomic consume regardless of outcome
	}
	e.reviewMu.Unlock()

	if !ok {
		return nil, apperr.NotFound("cleanup review %s not found or already consumed", reviewID)
	}
	if time.Now().UTC().After(review.ExpiresAt) {
		return nil, apperr.Conflict("cleanup review %s expired", reviewID)
	}
	if token != review.Token || confirmationPhrase != review.ConfirmationPhrase {
		return nil, apperr.Validation("cleanup review token/phrase mismatch")
	}

	outcome := &ConfirmOutcome{
		Skipped: make(map[int64]string),
		Errors:  make(map[int64]string),
	}

	for _, sel := range review.Selections {
		currentHash, err := e.mem.StateHash(sel.MemoryID)
		if err != nil {
			outcome.Skipped[sel.MemoryID] = "memory_missing"
			continue
		}
		if currentHash != sel.StateHash {
			outcome.Skipped[sel.MemoryID] = "stale_state"
			continue
		}

		if review.Action != "delete" {
			outcome.Kept = append(outcome.Kept, sel.MemoryID)
			continue
		}

		if !sel.CanDelete {
			outcome.Skipped[sel.MemoryID] = "active_paths"
			continue
		}

		_, err = e.mem.PermanentlyDeleteMemory(sel.MemoryID, true, currentHash)
		if err != nil {
			outcome.Errors[sel.MemoryID] = err.Error()
			continue
		}
		outcome.Deleted = append(outcome.Deleted, sel.MemoryID)
	}

	return outcome, nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
