package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"engram/internal/logging"
	"engram/internal/permission"
	"engram/internal/types"
	"engram/internal/validate"
	"engram/internal/write"
)

// Conversational creates carry a fixed provenance so they are filterable
// like any app-submitted record.
const (
	conversationSource  = "conversational_interface"
	conversationAddress = "conversation://user_intent"
)

// WriteSession is one pending conversational write awaiting confirmation.
type WriteSession struct {
	ID        string
	UserID    string
	Intent    ParsedIntent
	Input     string
	Op        *write.Op
	CreatedAt time.Time
	Confirmed bool
	Executed  bool
	Result    *write.Result
}

// sessionStore holds pending write sessions in memory. Sessions expire after
// the configured TTL; expiry is enforced on read and by the maintenance sweep.
type sessionStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	byID map[string]*WriteSession
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{ttl: ttl, byID: make(map[string]*WriteSession)}
}

func (ss *sessionStore) put(sess *WriteSession) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.byID[sess.ID] = sess
}

// get returns the live session or nil. Expired sessions are dropped on read.
func (ss *sessionStore) get(id string, now time.Time) *WriteSession {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	sess, ok := ss.byID[id]
	if !ok {
		return nil
	}
	if now.Sub(sess.CreatedAt) > ss.ttl {
		delete(ss.byID, id)
		return nil
	}
	return sess
}

func (ss *sessionStore) remove(id string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.byID, id)
}

func (ss *sessionStore) sweep(now time.Time) int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	n := 0
	for id, sess := range ss.byID {
		if now.Sub(sess.CreatedAt) > ss.ttl {
			delete(ss.byID, id)
			n++
		}
	}
	return n
}

// ConverseStatus labels the state of a conversational exchange.
type ConverseStatus string

const (
	ConverseNoIntent     ConverseStatus = "no_intent"
	ConverseNoTargets    ConverseStatus = "no_targets"
	ConverseNeedsDetails ConverseStatus = "needs_details"
	ConversePreview      ConverseStatus = "preview"
	ConverseExecuted     ConverseStatus = "executed"
	ConverseCancelled    ConverseStatus = "cancelled"
)

// ConverseRequest is one natural language write request.
type ConverseRequest struct {
	UserID string
	Input  string

	// Apply authorizes execution. Left false, the exchange stops at a
	// preview and waits for Confirm.
	Apply bool

	// AutoConfirm executes immediately when Apply is also set, skipping
	// the confirmation round trip.
	AutoConfirm bool

	Context permission.CallContext
}

// ConverseResponse reports the exchange outcome. Preview carries the dry-run
// result when the operation awaits confirmation; Result carries the applied
// outcome.
type ConverseResponse struct {
	Status               ConverseStatus `json:"status"`
	SessionID            string         `json:"session_id,omitempty"`
	Intent               *ParsedIntent  `json:"intent,omitempty"`
	Message              string         `json:"message,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`
	Preview              *write.Result  `json:"preview,omitempty"`
	Result               *write.Result  `json:"result,omitempty"`
}

// Converse parses a natural language write request, builds the operation,
// and either previews it under a confirmation session or, with Apply and
// AutoConfirm both set, executes it immediately. Every mutation still runs
// the full governed write path.
func (s *Service) Converse(ctx context.Context, req *ConverseRequest) (*ConverseResponse, error) {
	if req == nil || req.UserID == "" {
		return nil, &types.ValidationError{Field: "user_id", Reason: "conversation requires a user id"}
	}
	if req.Input == "" {
		return nil, &types.ValidationError{Field: "input", Reason: "input is empty"}
	}

	pi := s.parser.Parse(req.Input)
	if !pi.Recognized() {
		return &ConverseResponse{
			Status:  ConverseNoIntent,
			Intent:  &pi,
			Message: "no actionable write intent recognized; name the action and the records it should touch",
		}, nil
	}

	op, status, msg := s.buildConversationalOp(req, pi)
	now := nowFunc()
	sess := &WriteSession{
		ID:        types.NewSessionID(req.UserID),
		UserID:    req.UserID,
		Intent:    pi,
		Input:     req.Input,
		Op:        op,
		CreatedAt: now,
	}

	if status != "" {
		// Incomplete or empty-target operations park under a session so a
		// follow-up Confirm with modifications can complete them.
		s.sessions.put(sess)
		return &ConverseResponse{
			Status:               status,
			SessionID:            sess.ID,
			Intent:               &pi,
			Message:              msg,
			RequiresConfirmation: true,
		}, nil
	}

	if req.Apply && req.AutoConfirm {
		res, err := s.writer.Execute(ctx, op)
		if err != nil {
			return nil, err
		}
		sess.Confirmed = true
		sess.Executed = true
		sess.Result = res
		s.sessions.put(sess)
		logging.Service("conversational %s executed for %s, affected=%d", op.Type, req.UserID, res.AffectedCount)
		return &ConverseResponse{
			Status:    ConverseExecuted,
			SessionID: sess.ID,
			Intent:    &pi,
			Result:    res,
		}, nil
	}

	dry := *op
	dry.DryRun = true
	preview, err := s.writer.Execute(ctx, &dry)
	if err != nil {
		return nil, err
	}
	s.sessions.put(sess)
	return &ConverseResponse{
		Status:               ConversePreview,
		SessionID:            sess.ID,
		Intent:               &pi,
		Message:              fmt.Sprintf("%s would affect %d records; confirm to apply", op.Type, preview.MatchedCount),
		RequiresConfirmation: true,
		Preview:              preview,
	}, nil
}

// buildConversationalOp turns a parsed intent into a write operation. A
// non-empty status means the operation cannot run yet: either nothing
// matched or required details are missing.
func (s *Service) buildConversationalOp(req *ConverseRequest, pi ParsedIntent) (*write.Op, ConverseStatus, string) {
	op := &write.Op{
		UserID:  req.UserID,
		Type:    pi.Op,
		Intent:  req.Input,
		Context: req.Context,
	}

	switch pi.Op {
	case types.OpCreate:
		op.Draft = &validate.Submission{
			UserID:    req.UserID,
			Timestamp: nowFunc().UTC().Format(time.RFC3339),
			Source:    conversationSource,
			Address:   conversationAddress,
			Highlight: req.Input,
			Tags:      pi.Tags,
			Access:    string(types.AccessPrivate),
		}

	case types.OpDelete, types.OpMerge:
		ids := s.resolveFilterIDs(req.UserID, pi.Filter)
		if len(ids) == 0 {
			return op, ConverseNoTargets, "nothing matches that description"
		}
		if pi.Op == types.OpMerge && len(ids) < 2 {
			return op, ConverseNoTargets, "merge needs at least two matching records"
		}
		op.IDs = ids

	case types.OpBulkTag, types.OpBulkRetag:
		op.Filter = pi.Filter
		op.Tags = pi.Tags
		if len(pi.Tags) == 0 {
			return op, ConverseNeedsDetails, `quote the tag to apply, e.g. tag everything from twitter as "research"`
		}

	case types.OpBatchUpdate:
		op.Filter = pi.Filter
		return op, ConverseNeedsDetails, "describe the change to apply to the matching records"

	case types.OpUpdate:
		return op, ConverseNeedsDetails, "name the record to update and the change to make"

	case types.OpSplit:
		return op, ConverseNeedsDetails, "name the record to split and the parts to carve out"
	}

	return op, "", ""
}

// resolveFilterIDs expands a conversational target filter into record ids.
func (s *Service) resolveFilterIDs(userID string, f *types.Filter) []string {
	filter := types.Filter{UserID: userID}
	if f != nil {
		filter = *f
		filter.UserID = userID
	}
	recs, _ := s.records.QueryRecordsByFilter(&filter)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

// SessionMods adjusts a pending operation at confirmation time.
type SessionMods struct {
	Filter    *types.Filter `json:"target_filter,omitempty"`
	Patch     *write.Patch  `json:"patch,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	TargetID  string        `json:"target_id,omitempty"`
	IDs       []string      `json:"ids,omitempty"`
	BatchSize int           `json:"batch_size,omitempty"`
}

// Confirm settles a pending write session. confirmed false cancels and
// discards it; confirmed true applies any modifications and executes the
// operation. Missing, expired, and foreign sessions all read as absent.
func (s *Service) Confirm(ctx context.Context, sessionID, userID string, confirmed bool, mods *SessionMods) (*ConverseResponse, error) {
	sess := s.sessions.get(sessionID, nowFunc())
	if sess == nil || sess.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if sess.Executed {
		return nil, fmt.Errorf("session %s already executed: %w", sessionID, types.ErrConflict)
	}

	if !confirmed {
		s.sessions.remove(sessionID)
		logging.Service("conversational %s cancelled for %s", sess.Op.Type, userID)
		return &ConverseResponse{
			Status:    ConverseCancelled,
			SessionID: sessionID,
			Message:   "operation cancelled",
		}, nil
	}

	op := *sess.Op
	if mods != nil {
		if mods.Filter != nil {
			op.Filter = mods.Filter
		}
		if mods.Patch != nil {
			op.Patch = mods.Patch
		}
		if len(mods.Tags) > 0 {
			op.Tags = mods.Tags
		}
		if mods.TargetID != "" {
			op.TargetID = mods.TargetID
		}
		if len(mods.IDs) > 0 {
			op.IDs = mods.IDs
		}
		if mods.BatchSize > 0 {
			op.BatchSize = mods.BatchSize
		}
	}
	op.DryRun = false

	res, err := s.writer.Execute(ctx, &op)
	if err != nil {
		// The session survives a failed execution so the caller can retry
		// with different modifications.
		return nil, err
	}

	sess.Op = &op
	sess.Confirmed = true
	sess.Executed = true
	sess.Result = res
	logging.Service("conversational %s confirmed for %s, affected=%d", op.Type, userID, res.AffectedCount)
	return &ConverseResponse{
		Status:    ConverseExecuted,
		SessionID: sessionID,
		Intent:    &sess.Intent,
		Result:    res,
	}, nil
}

// SessionInfo is the status view of one write session.
type SessionInfo struct {
	SessionID        string       `json:"session_id"`
	UserID           string       `json:"user_id"`
	Op               types.OpType `json:"op"`
	Confidence       float64      `json:"confidence"`
	Confirmed        bool         `json:"confirmed"`
	Executed         bool         `json:"executed"`
	CreatedAt        time.Time    `json:"created_at"`
	ResultsAvailable bool         `json:"results_available"`
}

// SessionStatus reports a pending or executed session. Missing, expired, and
// foreign sessions read as absent.
func (s *Service) SessionStatus(sessionID, userID string) (*SessionInfo, error) {
	sess := s.sessions.get(sessionID, nowFunc())
	if sess == nil || sess.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	return &SessionInfo{
		SessionID:        sess.ID,
		UserID:           sess.UserID,
		Op:               sess.Op.Type,
		Confidence:       sess.Intent.Confidence,
		Confirmed:        sess.Confirmed,
		Executed:         sess.Executed,
		CreatedAt:        sess.CreatedAt,
		ResultsAvailable: sess.Result != nil,
	}, nil
}
