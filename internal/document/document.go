// Package document implements the per-document edit pipeline: a single
// logical actor serializes incoming operation bundles, transforms them
// against any intervening server-accepted operations, assigns durable
// version numbers, persists, and reports the accepted result for
// broadcast. One Coordinator exists per live document, grounded on the
// teacher's mutex-guarded Kolabpad.ApplyEdit but realized here as a
// goroutine actor over a command channel, per spec.md §5's scheduling
// model.
package document

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/collabedit/core/internal/apperr"
	"github.com/collabedit/core/internal/logger"
	"github.com/collabedit/core/internal/model"
	"github.com/collabedit/core/internal/ot"
	"github.com/collabedit/core/internal/store"
)

// DefaultMaxLag is the default tolerated currentVersion-baseVersion gap
// before a client is told to resync, per spec.md §4.B.
const DefaultMaxLag = 100

// DefaultRingSize is the default number of recent accepted operations kept
// in memory for fast gap transformation, per spec.md §4.B.
const DefaultRingSize = 256

// SubmitResult is the outcome of a successful Submit.
type SubmitResult struct {
	Accepted    model.PersistedOperation
	Transformed *ot.Bundle
	NewVersion  int
	Resubmit    bool
}

// Coordinator is the single-actor owner of one document's state.
type Coordinator struct {
	documentID string
	st         store.Store
	maxLag     int
	ringSize   int

	cmds chan command
	done chan struct{}

	content string
	version int
	ring    []model.PersistedOperation // newest last, indexed by server_sequence
}

type command struct {
	run  func()
	done chan struct{}
}

// New starts a Coordinator actor for an already-loaded document snapshot.
func New(st store.Store, documentID, content string, version int, maxLag, ringSize int) *Coordinator {
	if maxLag <= 0 {
		maxLag = DefaultMaxLag
	}
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	c := &Coordinator{
		documentID: documentID,
		st:         st,
		maxLag:     maxLag,
		ringSize:   ringSize,
		cmds:       make(chan command),
		done:       make(chan struct{}),
		content:    content,
		version:    version,
	}
	go c.run()
	return c
}

// Stop terminates the actor. Calls made after Stop return an Unavailable
// error instead of running; Stop itself must be called only once.
func (c *Coordinator) Stop() { close(c.done) }

func (c *Coordinator) run() {
	for {
		select {
		case cmd := <-c.cmds:
			cmd.run()
			close(cmd.done)
		case <-c.done:
			return
		}
	}
}

// exec runs fn serialized on the actor goroutine and waits for it to finish.
func (c *Coordinator) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- command{run: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return apperr.New(apperr.Unavailable, "document coordinator stopped")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenSnapshot returns the current content and version.
func (c *Coordinator) OpenSnapshot(ctx context.Context) (content string, version int, err error) {
	err = c.exec(ctx, func() {
		content = c.content
		version = c.version
	})
	return
}

// OperationsSince returns accepted operations after fromVersion, for
// client reconciliation on join/reconnect, per spec.md §4.B.
func (c *Coordinator) OperationsSince(ctx context.Context, fromVersion, limit int) ([]model.PersistedOperation, error) {
	var out []model.PersistedOperation
	var err error
	execErr := c.exec(ctx, func() {
		out, err = c.operationsSinceLocked(ctx, fromVersion, limit)
	})
	if execErr != nil {
		return nil, execErr
	}
	return out, err
}

func (c *Coordinator) operationsSinceLocked(ctx context.Context, fromVersion, limit int) ([]model.PersistedOperation, error) {
	if ringStart := c.ringStartVersion(); fromVersion >= ringStart {
		out := make([]model.PersistedOperation, 0, len(c.ring))
		for _, op := range c.ring {
			if op.ServerSequence > fromVersion {
				out = append(out, op)
			}
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return out, nil
	}
	return c.st.OperationsSince(ctx, c.documentID, fromVersion, limit)
}

func (c *Coordinator) ringStartVersion() int {
	if len(c.ring) == 0 {
		return c.version + 1 // nothing cached; everything is a miss
	}
	return c.ring[0].ServerSequence
}

// Submit implements the seven-step submit algorithm of spec.md §4.B.
func (c *Coordinator) Submit(ctx context.Context, participantID string, bundle *ot.Bundle, baseVersion int, clientID string, clientSeq int) (SubmitResult, error) {
	var result SubmitResult
	var err error
	execErr := c.exec(ctx, func() {
		result, err = c.submitLocked(ctx, participantID, bundle, baseVersion, clientID, clientSeq)
	})
	if execErr != nil {
		return SubmitResult{}, execErr
	}
	return result, err
}

func (c *Coordinator) submitLocked(ctx context.Context, participantID string, bundle *ot.Bundle, baseVersion int, clientID string, clientSeq int) (SubmitResult, error) {
	// Step 1: version gap checks.
	if baseVersion > c.version {
		return SubmitResult{}, apperr.New(apperr.OutOfOrder, "baseVersion ahead of current version")
	}
	if c.version-baseVersion > c.maxLag {
		return SubmitResult{}, apperr.New(apperr.SyncRequired, "base version too far behind")
	}

	// Step 2: load the gap (server ops accepted since baseVersion).
	gap, err := c.operationsSinceLocked(ctx, baseVersion, 0)
	if err != nil {
		return SubmitResult{}, err
	}

	// Step 3: transform client bundle forward through the gap, server wins ties.
	transformed := bundle
	for _, srv := range gap {
		srvBundle := new(ot.Bundle)
		if err := json.Unmarshal(srv.OperationJSON, srvBundle); err != nil {
			return SubmitResult{}, apperr.Wrap(apperr.Internal, "decode historical operation", err)
		}
		_, next, terr := ot.Transform(srvBundle, transformed, ot.TieLeft)
		if terr != nil {
			return SubmitResult{}, apperr.Wrap(apperr.InconsistentState, "transform against gap failed", terr)
		}
		transformed = next
	}

	// Step 4: validate against authoritative content.
	if !transformed.Validate(ot.Len(c.content)) {
		logger.Error("document %s: inconsistent state on submit (base=%d, current=%d)", c.documentID, baseVersion, c.version)
		return SubmitResult{}, apperr.New(apperr.InconsistentState, "transformed bundle does not match document length")
	}

	// Step 5: apply.
	newContent, err := transformed.Apply(c.content)
	if err != nil {
		return SubmitResult{}, apperr.Wrap(apperr.InconsistentState, "apply failed", err)
	}
	newVersion := c.version + 1

	opJSON, err := json.Marshal(transformed)
	if err != nil {
		return SubmitResult{}, apperr.Wrap(apperr.Internal, "marshal bundle", err)
	}
	now := time.Now()
	persisted := model.PersistedOperation{
		ID:             uuid.NewString(),
		DocumentID:     c.documentID,
		ParticipantID:  participantID,
		ClientID:       clientID,
		ClientSequence: clientSeq,
		ServerSequence: newVersion,
		OperationJSON:  opJSON,
		Timestamp:      now,
		VectorClock:    []byte("{}"),
		AppliedAt:      now,
	}

	doc := &model.Document{Content: newContent}
	doc.Recompute()

	// Step 6: atomic append, restarting on a server_sequence race.
	result, err := c.st.AppendOperations(ctx, c.documentID, []model.PersistedOperation{persisted}, store.DocumentUpdate{
		Content:         newContent,
		Version:         newVersion,
		SizeBytes:       doc.SizeBytes,
		LineCount:       doc.LineCount,
		LastOperationAt: now,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.Conflict {
			// Another writer won the race on this server_sequence; reload
			// the authoritative state and restart.
			d, gerr := c.st.GetDocument(ctx, c.documentID)
			if gerr != nil {
				return SubmitResult{}, gerr
			}
			c.content = d.Content
			c.version = d.Version
			c.ring = nil
			return c.submitLocked(ctx, participantID, bundle, baseVersion, clientID, clientSeq)
		}
		return SubmitResult{}, err
	}
	if result.Resubmit {
		accepted := result.Operations[0]
		var prior ot.Bundle
		_ = json.Unmarshal(accepted.OperationJSON, &prior)
		return SubmitResult{Accepted: accepted, Transformed: &prior, NewVersion: accepted.ServerSequence, Resubmit: true}, nil
	}

	// Step 7: commit in-memory state.
	c.content = newContent
	c.version = newVersion
	c.ring = append(c.ring, persisted)
	if len(c.ring) > c.ringSize {
		c.ring = c.ring[len(c.ring)-c.ringSize:]
	}

	return SubmitResult{Accepted: persisted, Transformed: transformed, NewVersion: newVersion}, nil
}
