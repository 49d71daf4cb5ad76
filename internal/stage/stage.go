// Package stage implements the six pipeline stage agents. Each stage reads
// the fields written by its predecessors and writes its own disjoint slice
// of the prescription record.
package stage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/clearscript-health/rxscan/internal/gateway"
	"github.com/clearscript-health/rxscan/internal/model"
)

// Stage names as they appear in the stage trace.
const (
	NameImageExtraction        = "image_extraction"
	NamePatientInfo            = "patient_info"
	NameDrugResolution         = "drug_resolution"
	NamePrescriber             = "prescriber"
	NameHallucinationDetection = "hallucination_detection"
	NameTranslation            = "translation"
)

// Completer is the slice of the model gateway the stages depend on.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Stage is one unit of the pipeline.
type Stage interface {
	Name() string
	// HardDeps lists record fields that must be populated before the stage
	// can run. A missing hard dependency is a stage failure, not a model call.
	HardDeps() []string
	Run(ctx context.Context, rec *model.PrescriptionRecord) model.StageResult
}

// cleanJSON strips markdown code fences and surrounding prose from a model
// response, keeping the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// decodeInto unmarshals a cleaned model response into out.
func decodeInto(text string, out any) error {
	if err := json.Unmarshal([]byte(cleanJSON(text)), out); err != nil {
		return eris.Wrap(err, "stage: decode model response")
	}
	return nil
}

// failureResult classifies a gateway error into a stage outcome. Cancelled
// contexts surface as CANCELLED so the orchestrator can report timeouts;
// everything else maps to the given failure status.
func failureResult(ctx context.Context, status model.StageStatus, err error) model.StageResult {
	if ctx.Err() != nil {
		return model.StageResult{
			Status: model.StageCancelled,
			Detail: ctx.Err().Error(),
		}
	}
	return model.StageResult{
		Status: status,
		Detail: err.Error(),
	}
}
