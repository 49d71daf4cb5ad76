// Package pipeline drives one prescription record through the ordered stage
// list, applying the per-stage error policy and recording the stage trace.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearscript-health/rxscan/internal/knowledge"
	"github.com/clearscript-health/rxscan/internal/model"
	"github.com/clearscript-health/rxscan/internal/stage"
	"github.com/clearscript-health/rxscan/internal/trace"
)

// Store is the slice of the audit store the pipeline writes to.
type Store interface {
	SaveRecord(ctx context.Context, rec *model.PrescriptionRecord) error
}

// Config holds orchestrator policy knobs.
type Config struct {
	// Deadline bounds one full invocation. Zero means 5 minutes.
	Deadline time.Duration
	// AcceptanceThreshold gates auto-committing a drug resolution.
	AcceptanceThreshold float64
	// HallucinationSimilarity is the divergence floor for resolved names.
	HallucinationSimilarity float64
	// MaxTokens bounds each model response.
	MaxTokens int64
}

// ProcessRequest is one pipeline invocation.
type ProcessRequest struct {
	Image       []byte
	MediaType   string
	TranslateTo string // BCP 47 tag; empty skips translation
}

// Pipeline is the orchestrator. Safe for concurrent use; each invocation
// owns an independent record.
type Pipeline struct {
	gw       stage.Completer
	resolver *knowledge.Resolver
	sink     trace.Sink
	store    Store // nil disables persistence
	cfg      Config
}

// New builds a pipeline over its collaborators.
func New(gw stage.Completer, resolver *knowledge.Resolver, sink trace.Sink, store Store, cfg Config) *Pipeline {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Minute
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if sink == nil {
		sink = trace.LogSink{}
	}
	return &Pipeline{gw: gw, resolver: resolver, sink: sink, store: store, cfg: cfg}
}

// Process runs one record through the stage list. The record is always
// returned with its status and stage trace explaining what happened; an
// error is returned only for a malformed request.
func (p *Pipeline) Process(ctx context.Context, req ProcessRequest) (*model.PrescriptionRecord, error) {
	if len(req.Image) == 0 {
		return nil, eris.New("pipeline: empty image")
	}

	rec := &model.PrescriptionRecord{
		ID:          uuid.NewString(),
		SourceImage: req.Image,
		MediaType:   req.MediaType,
		Status:      model.StatusPending,
		CreatedAt:   time.Now(),
	}
	if rec.MediaType == "" {
		rec.MediaType = "image/jpeg"
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	rec.SetStatus(model.StatusInProgress)
	zap.L().Info("pipeline started", zap.String("record_id", rec.ID))

	p.runStages(ctx, rec, p.stages(req))

	now := time.Now()
	rec.CompletedAt = &now
	zap.L().Info("pipeline finished",
		zap.String("record_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Duration("elapsed", now.Sub(rec.CreatedAt)),
	)

	p.persist(rec)
	return rec, nil
}

// stages builds the ordered stage list for one invocation.
func (p *Pipeline) stages(req ProcessRequest) []stage.Stage {
	return []stage.Stage{
		stage.NewExtract(p.gw, p.cfg.MaxTokens),
		stage.NewPatientInfo(p.gw, p.cfg.MaxTokens),
		stage.NewDrugResolution(p.gw, p.resolver, p.sink, p.cfg.AcceptanceThreshold, p.cfg.MaxTokens),
		stage.NewPrescriberInfo(p.gw, p.cfg.MaxTokens),
		stage.NewHallucinationDetection(p.gw, p.cfg.HallucinationSimilarity, p.cfg.MaxTokens),
		stage.NewTranslate(p.gw, req.TranslateTo, p.cfg.MaxTokens),
	}
}

// runStages executes the stage list sequentially and settles the terminal
// record status.
func (p *Pipeline) runStages(ctx context.Context, rec *model.PrescriptionRecord, stages []stage.Stage) {
	var (
		aborted     bool // fatal or cancelled; remaining stages are skipped
		recoverable bool
		cancelled   bool
		fatalStage  string
	)

	for _, s := range stages {
		if aborted {
			p.record(rec, s.Name(), model.StageResult{
				Status: model.StageSkipped,
				Detail: "earlier stage aborted the pipeline",
			}, 0)
			continue
		}

		if dep, ok := missingDep(rec, s); !ok {
			recoverable = true
			p.record(rec, s.Name(), model.StageResult{
				Status: model.StageFailedRecoverable,
				Detail: fmt.Sprintf("hard dependency %s missing", dep),
			}, 0)
			continue
		}

		start := time.Now()
		res := s.Run(ctx, rec)
		latency := time.Since(start).Milliseconds()

		if res.Status != model.StageCancelled && ctx.Err() != nil {
			res = model.StageResult{Status: model.StageCancelled, Detail: ctx.Err().Error()}
		}

		p.record(rec, s.Name(), res, latency)

		switch res.Status {
		case model.StageCancelled:
			aborted = true
			cancelled = true
			fatalStage = s.Name()
		case model.StageFailedFatal:
			aborted = true
			fatalStage = s.Name()
		case model.StageFailedRecoverable:
			recoverable = true
		}
	}

	switch {
	case cancelled:
		rec.FailureReason = fmt.Sprintf("deadline exceeded during %s", fatalStage)
		rec.SetStatus(model.StatusFailed)
	case fatalStage != "":
		rec.FailureReason = fmt.Sprintf("fatal failure in %s", fatalStage)
		rec.SetStatus(model.StatusFailed)
	case recoverable:
		rec.SetStatus(model.StatusPartiallyCompleted)
	default:
		rec.SetStatus(model.StatusCompleted)
	}
}

// record appends the outcome to the record's stage trace and mirrors it to
// the trace sink.
func (p *Pipeline) record(rec *model.PrescriptionRecord, name string, res model.StageResult, latency int64) {
	detail := res.Detail
	if len(res.Warnings) > 0 {
		if detail != "" {
			detail += "; "
		}
		detail += strings.Join(res.Warnings, "; ")
	}

	rec.AppendTrace(model.StageTraceEntry{
		Stage:     name,
		Status:    res.Status,
		LatencyMS: latency,
		Model:     res.Model,
		Detail:    detail,
	})

	p.sink.Emit(trace.Event{
		Time:      time.Now(),
		RecordID:  rec.ID,
		Stage:     name,
		Model:     res.Model,
		Outcome:   string(res.Status),
		LatencyMS: latency,
		Detail:    detail,
	})
}

// persist writes the terminal record to the audit store, best effort. The
// invocation's context may already be past its deadline, so persistence gets
// its own.
func (p *Pipeline) persist(rec *model.PrescriptionRecord) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.SaveRecord(ctx, rec); err != nil {
		zap.L().Warn("audit store write failed",
			zap.String("record_id", rec.ID),
			zap.Error(err),
		)
	}
}

func missingDep(rec *model.PrescriptionRecord, s stage.Stage) (string, bool) {
	for _, dep := range s.HardDeps() {
		if !rec.HasField(dep) {
			return dep, false
		}
	}
	return "", true
}
