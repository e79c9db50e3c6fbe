package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qbrix/qbrix/internal/domain/bandit"
	"github.com/qbrix/qbrix/internal/domain/catalog"
	"github.com/qbrix/qbrix/internal/domain/feedback"
)

// ExperimentStats is one experiment's training ledger entry.
type ExperimentStats struct {
	ExperimentID string `json:"experiment_id"`
	// Total counts events actually folded into the parameter state;
	// dropped events (unknown experiment, train errors) are excluded.
	Total int64 `json:"total"`
	// Pending counts events currently buffered and not yet flushed.
	Pending int64 `json:"pending"`
	// LastTrainMs is the epoch-millisecond timestamp of the last fold.
	LastTrainMs int64 `json:"last_train_ms"`
}

// TrainerConfig tunes the consumer loop.
type TrainerConfig struct {
	// BatchSize bounds the flush buffer.
	BatchSize int
	// BlockMs is the consume poll timeout.
	BlockMs int64
	// FlushInterval forces a flush of a partial buffer.
	FlushInterval time.Duration
	// ErrorBackoff is the sleep after a loop error.
	ErrorBackoff time.Duration
	// ReclaimIdleMs is the minimum idle time before the loop re-claims a
	// message delivered elsewhere but never acked, such as one left
	// pending by a filtered admin flush. The threshold keeps the loop
	// from stealing messages an in-flight flush is still working on.
	ReclaimIdleMs int64
}

// TrainerService folds feedback events into parameter states. One
// long-lived consumer loop per consumer-group identity: all folding is
// serial, which keeps per-experiment event order and makes the param
// store write pattern single-writer.
type TrainerService struct {
	consumer  feedback.Consumer
	snapshots catalog.SnapshotStore
	params    bandit.ParamStore
	registry  *bandit.Registry
	cfg       TrainerConfig
	logger    *slog.Logger

	// flushMu serializes flushes between the loop and FlushBatch calls.
	flushMu sync.Mutex
	// bufMu guards pending, which the loop owns and Stats reads.
	bufMu   sync.Mutex
	pending []feedback.Message

	statsMu      sync.Mutex
	stats        map[string]*ExperimentStats
	unknownCount int64
}

// NewTrainerService builds the trainer. Zero config fields get defaults.
func NewTrainerService(consumer feedback.Consumer, snapshots catalog.SnapshotStore, params bandit.ParamStore, registry *bandit.Registry, cfg TrainerConfig, logger *slog.Logger) *TrainerService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BlockMs <= 0 {
		cfg.BlockMs = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.ReclaimIdleMs <= 0 {
		cfg.ReclaimIdleMs = 5000
	}
	return &TrainerService{
		consumer:  consumer,
		snapshots: snapshots,
		params:    params,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		stats:     make(map[string]*ExperimentStats),
	}
}

// Run is the consumer loop: recover pending messages from a previous
// crash, then consume/flush until the context is cancelled. The final
// buffer is flushed on shutdown.
func (t *TrainerService) Run(ctx context.Context) error {
	if err := t.recoverPending(ctx); err != nil {
		return fmt.Errorf("pending recovery: %w", err)
	}

	lastFlush := time.Now()
	lastReclaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			// Shutdown flush uses a fresh context; the loop's is done.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if buf := t.takeBuffer(); len(buf) > 0 {
				t.logger.Info("flushing before shutdown", "buffered", len(buf))
				if _, _, err := t.flush(flushCtx, buf); err != nil {
					t.logger.Error("shutdown flush failed", "error", err)
				}
			}
			return nil
		default:
		}

		capacity := t.cfg.BatchSize - t.bufLen()
		if capacity < 1 {
			capacity = 1
		}
		msgs, err := t.consumer.Consume(ctx, capacity, t.cfg.BlockMs)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			t.logger.Error("consume failed", "error", err)
			t.sleep(ctx, t.cfg.ErrorBackoff)
			continue
		}
		t.appendBuffer(msgs)

		// Messages claimed by a filtered admin flush and left unacked
		// are invisible to Consume; when the loop is otherwise idle,
		// pick them up once they have sat past the idle threshold.
		if len(msgs) == 0 && t.bufLen() == 0 && time.Since(lastReclaim) >= t.cfg.FlushInterval {
			claimed, err := t.consumer.ClaimPending(ctx, t.cfg.BatchSize, t.cfg.ReclaimIdleMs)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				t.logger.Error("pending reclaim failed", "error", err)
			} else {
				t.appendBuffer(claimed)
			}
			lastReclaim = time.Now()
		}

		batchFull := t.bufLen() >= t.cfg.BatchSize
		timeToFlush := time.Since(lastFlush) >= t.cfg.FlushInterval
		if t.bufLen() == 0 || (!batchFull && !timeToFlush) {
			continue
		}

		_, retry, err := t.flush(ctx, t.takeBuffer())
		// Messages that failed to fold or ack stay buffered for the
		// next flush; at-least-once tolerates the occasional re-fold.
		t.appendBuffer(retry)
		if err != nil {
			t.logger.Error("flush failed", "error", err)
			t.sleep(ctx, t.cfg.ErrorBackoff)
			continue
		}
		lastFlush = time.Now()
	}
}

func (t *TrainerService) bufLen() int {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	return len(t.pending)
}

func (t *TrainerService) appendBuffer(msgs []feedback.Message) {
	if len(msgs) == 0 {
		return
	}
	t.bufMu.Lock()
	t.pending = append(t.pending, msgs...)
	t.bufMu.Unlock()
}

func (t *TrainerService) takeBuffer() []feedback.Message {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	buf := t.pending
	t.pending = nil
	return buf
}

func (t *TrainerService) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// recoverPending drains messages delivered to this consumer but not
// acked before a previous crash.
func (t *TrainerService) recoverPending(ctx context.Context) error {
	n, err := t.consumer.PendingCount(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	t.logger.Info("recovering pending messages", "count", n)

	for {
		msgs, err := t.consumer.ClaimPending(ctx, t.cfg.BatchSize, 0)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		_, retry, err := t.flush(ctx, msgs)
		if err != nil && len(retry) == len(msgs) {
			// Nothing progressed; stop spinning on a persistent failure
			// and let the steady-state loop pick the rest up later.
			t.logger.Warn("recovery made no progress, deferring remainder",
				"remaining", len(retry), "error", err)
			return nil
		}
	}
}

// FlushBatch processes whatever the stream has ready right now: claimed
// pending messages plus one non-blocking consume. When experimentID is
// set, only that experiment's events are folded and acked; the rest stay
// pending until the regular loop re-claims them (or pending recovery on
// the next start).
func (t *TrainerService) FlushBatch(ctx context.Context, experimentID string) (int, error) {
	msgs, err := t.consumer.ClaimPending(ctx, t.cfg.BatchSize, 0)
	if err != nil {
		return 0, err
	}
	fresh, err := t.consumer.Consume(ctx, t.cfg.BatchSize, 0)
	if err != nil {
		return 0, err
	}
	msgs = append(msgs, fresh...)

	if experimentID != "" {
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.Event.ExperimentID == experimentID {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	processed, _, err := t.flush(ctx, msgs)
	return processed, err
}

// flush folds a batch grouped by experiment, preserving stream order
// within each group. Acknowledgement is per experiment: an experiment
// whose params write failed keeps its messages unacked, and they are
// returned for retry; unknown-experiment events are dropped, counted,
// and acked.
func (t *TrainerService) flush(ctx context.Context, msgs []feedback.Message) (int, []feedback.Message, error) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	type group struct {
		id   string
		msgs []feedback.Message
	}
	var order []string
	groups := make(map[string]*group)
	for _, m := range msgs {
		g, ok := groups[m.Event.ExperimentID]
		if !ok {
			g = &group{id: m.Event.ExperimentID}
			groups[m.Event.ExperimentID] = g
			order = append(order, m.Event.ExperimentID)
		}
		g.msgs = append(g.msgs, m)
	}

	processed := 0
	var ackIDs []string
	var retry []feedback.Message
	var firstErr error
	for _, id := range order {
		g := groups[id]
		n, err := t.trainExperiment(ctx, g.id, g.msgs)
		if err != nil {
			t.logger.Error("experiment training failed, keeping its messages",
				"experiment_id", g.id, "events", len(g.msgs), "error", err)
			retry = append(retry, g.msgs...)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		processed += n
		for _, m := range g.msgs {
			ackIDs = append(ackIDs, m.ID)
		}
	}

	if len(ackIDs) > 0 {
		if err := t.consumer.Ack(ctx, ackIDs...); err != nil {
			// Redelivery of already-trained events is the at-least-once
			// cost; policies tolerate duplicate rewards.
			return processed, retry, fmt.Errorf("ack: %w", err)
		}
	}
	return processed, retry, firstErr
}

// trainExperiment folds one experiment's events in order and writes the
// resulting state. Returns the number of events folded.
func (t *TrainerService) trainExperiment(ctx context.Context, experimentID string, msgs []feedback.Message) (int, error) {
	snap, err := t.snapshots.GetSnapshot(ctx, experimentID)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	if snap == nil {
		t.statsMu.Lock()
		t.unknownCount += int64(len(msgs))
		t.statsMu.Unlock()
		t.logger.Warn("dropping events for unknown experiment",
			"experiment_id", experimentID, "events", len(msgs))
		return 0, nil
	}

	policy, err := t.registry.Lookup(snap.Policy)
	if err != nil {
		return 0, err
	}

	state, err := t.loadState(ctx, experimentID, policy, snap)
	if err != nil {
		return 0, err
	}

	folded := 0
	for _, m := range msgs {
		e := m.Event
		next, err := policy.Train(state, bandit.Context{
			ID:       e.ContextID,
			Vector:   e.ContextVector,
			Metadata: e.ContextMetadata,
		}, e.ArmIndex, e.Reward)
		if err != nil {
			// A malformed event must not poison the batch.
			t.logger.Warn("skipping untrainable event",
				"experiment_id", experimentID, "arm", e.ArmIndex, "error", err)
			continue
		}
		state = next
		folded++
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("encode params: %w", err)
	}
	if err := t.params.Set(ctx, experimentID, raw, 0); err != nil {
		return 0, fmt.Errorf("write params: %w", err)
	}

	t.statsMu.Lock()
	st, ok := t.stats[experimentID]
	if !ok {
		st = &ExperimentStats{ExperimentID: experimentID}
		t.stats[experimentID] = st
	}
	st.Total += int64(folded)
	st.LastTrainMs = time.Now().UnixMilli()
	t.statsMu.Unlock()
	return folded, nil
}

func (t *TrainerService) loadState(ctx context.Context, experimentID string, policy bandit.Policy, snap *catalog.Snapshot) (bandit.State, error) {
	data, err := t.params.Get(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	if data != nil {
		state, err := policy.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return state, nil
	}
	state, err := policy.Init(snap.NumArms(), snap.PolicyParams)
	if err != nil {
		return nil, fmt.Errorf("init params: %w", err)
	}
	return state, nil
}

// Stats reports the training ledger; empty experimentID returns all
// experiments sorted by id.
func (t *TrainerService) Stats(experimentID string) []ExperimentStats {
	buffered := make(map[string]int64)
	t.bufMu.Lock()
	for _, m := range t.pending {
		buffered[m.Event.ExperimentID]++
	}
	t.bufMu.Unlock()

	t.statsMu.Lock()
	defer t.statsMu.Unlock()

	if experimentID != "" {
		st, ok := t.stats[experimentID]
		if !ok {
			if n := buffered[experimentID]; n > 0 {
				return []ExperimentStats{{ExperimentID: experimentID, Pending: n}}
			}
			return nil
		}
		out := *st
		out.Pending = buffered[experimentID]
		return []ExperimentStats{out}
	}

	var out []ExperimentStats
	for id, st := range t.stats {
		s := *st
		s.Pending = buffered[id]
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExperimentID < out[j].ExperimentID })
	return out
}

// UnknownEventCount reports events dropped for unknown experiments.
func (t *TrainerService) UnknownEventCount() int64 {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.unknownCount
}
