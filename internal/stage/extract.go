package stage

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/clearscript-health/rxscan/internal/gateway"
	"github.com/clearscript-health/rxscan/internal/model"
	"github.com/clearscript-health/rxscan/pkg/claude"
)

const extractSystemPrompt = `You are a clinical transcription assistant. You read photographs of
handwritten prescriptions and transcribe every legible mark faithfully.
Never guess at illegible words; transcribe them as [illegible]. Respond
only with JSON.`

const extractPrompt = `Transcribe the attached prescription photograph.

Return JSON with this shape:
{
  "raw_text": "complete transcription, one line per line on the page",
  "legibility": 0.0-1.0 overall legibility estimate
}`

// legibilityWarnFloor marks low-confidence transcriptions for review.
const legibilityWarnFloor = 0.6

type extractAnswer struct {
	RawText    string  `json:"raw_text"`
	Legibility float64 `json:"legibility"`
}

// Extract is the image extraction stage. Everything downstream depends on
// its output, so gateway exhaustion here is fatal for the invocation.
type Extract struct {
	gw        Completer
	maxTokens int64
}

// NewExtract builds the image extraction stage.
func NewExtract(gw Completer, maxTokens int64) *Extract {
	return &Extract{gw: gw, maxTokens: maxTokens}
}

func (s *Extract) Name() string { return NameImageExtraction }

func (s *Extract) HardDeps() []string { return nil }

func (s *Extract) Run(ctx context.Context, rec *model.PrescriptionRecord) model.StageResult {
	if len(rec.SourceImage) == 0 {
		return model.StageResult{
			Status: model.StageFailedFatal,
			Detail: "no source image supplied",
		}
	}

	resp, err := s.gw.Complete(ctx, gateway.Request{
		Stage:    s.Name(),
		RecordID: rec.ID,
		System:   extractSystemPrompt,
		Prompt:   extractPrompt,
		Image: &claude.ImageAttachment{
			MediaType: rec.MediaType,
			Data:      rec.SourceImage,
		},
		MaxTokens:   s.maxTokens,
		SchemaCheck: checkExtractAnswer,
	})
	if err != nil {
		return failureResult(ctx, model.StageFailedFatal, err)
	}

	var answer extractAnswer
	if err := decodeInto(resp.Text, &answer); err != nil {
		return failureResult(ctx, model.StageFailedFatal, err)
	}

	rec.RawExtraction = answer.RawText

	if answer.Legibility < legibilityWarnFloor {
		return model.StageResult{
			Status: model.StageSuccessWithWarnings,
			Model:  resp.Model,
			Detail: "low legibility transcription",
		}
	}
	return model.StageResult{Status: model.StageSuccess, Model: resp.Model}
}

// checkExtractAnswer is the gateway schema gate for the extraction response.
func checkExtractAnswer(text string) error {
	var answer extractAnswer
	if err := decodeInto(text, &answer); err != nil {
		return err
	}
	if answer.RawText == "" {
		return eris.New("missing raw_text")
	}
	if answer.Legibility < 0 || answer.Legibility > 1 {
		return eris.New("legibility out of range")
	}
	return nil
}
