package stage

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/clearscript-health/rxscan/internal/gateway"
	"github.com/clearscript-health/rxscan/internal/model"
)

const prescriberSystemPrompt = `You extract prescriber details from prescription transcriptions.
Only report values present in the text. Use empty strings for anything
absent. Respond only with JSON.`

const prescriberPromptTemplate = `Prescription transcription:
---
%s
---

Extract the prescriber's details. Return JSON:
{
  "name": "prescriber full name or empty",
  "npi": "10-digit NPI number or empty",
  "clinic": "clinic or practice name or empty",
  "phone": "contact phone or empty",
  "confidence": 0.0-1.0
}`

type prescriberAnswer struct {
	Name       string  `json:"name"`
	NPI        string  `json:"npi"`
	Clinic     string  `json:"clinic"`
	Phone      string  `json:"phone"`
	Confidence float64 `json:"confidence"`
}

// PrescriberInfo extracts and validates prescriber fields.
type PrescriberInfo struct {
	gw        Completer
	maxTokens int64
}

// NewPrescriberInfo builds the prescriber stage.
func NewPrescriberInfo(gw Completer, maxTokens int64) *PrescriberInfo {
	return &PrescriberInfo{gw: gw, maxTokens: maxTokens}
}

func (s *PrescriberInfo) Name() string { return NamePrescriber }

func (s *PrescriberInfo) HardDeps() []string { return []string{model.FieldRawExtraction} }

func (s *PrescriberInfo) Run(ctx context.Context, rec *model.PrescriptionRecord) model.StageResult {
	resp, err := s.gw.Complete(ctx, gateway.Request{
		Stage:       s.Name(),
		RecordID:    rec.ID,
		System:      prescriberSystemPrompt,
		Prompt:      fmt.Sprintf(prescriberPromptTemplate, rec.RawExtraction),
		MaxTokens:   s.maxTokens,
		SchemaCheck: checkPrescriberAnswer,
	})
	if err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	var answer prescriberAnswer
	if err := decodeInto(resp.Text, &answer); err != nil {
		return failureResult(ctx, model.StageFailedRecoverable, err)
	}

	prescriber := &model.Prescriber{
		Name:       answer.Name,
		NPI:        answer.NPI,
		Clinic:     answer.Clinic,
		Phone:      answer.Phone,
		Confidence: answer.Confidence,
	}
	validatePrescriber(prescriber)
	rec.Prescriber = prescriber

	if !prescriber.Validated {
		return model.StageResult{
			Status: model.StageSuccessWithWarnings,
			Model:  resp.Model,
			Detail: prescriber.Reason,
		}
	}
	return model.StageResult{Status: model.StageSuccess, Model: resp.Model}
}

func validatePrescriber(p *model.Prescriber) {
	if p.Name == "" {
		p.Reason = "prescriber name missing"
		return
	}
	if p.NPI != "" && !validNPI(p.NPI) {
		p.Reason = "npi failed format check"
		return
	}
	p.Validated = true
}

// validNPI checks the 10-digit format and the Luhn checksum with the
// standard 80840 prefix.
func validNPI(npi string) bool {
	if len(npi) != 10 {
		return false
	}
	for _, c := range npi {
		if c < '0' || c > '9' {
			return false
		}
	}

	// Luhn over "80840" + first 9 digits, check digit is the 10th.
	digits := "80840" + npi[:9]
	sum := 0
	double := true
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	check := (10 - sum%10) % 10
	return check == int(npi[9]-'0')
}

func checkPrescriberAnswer(text string) error {
	var answer prescriberAnswer
	if err := decodeInto(text, &answer); err != nil {
		return err
	}
	if answer.Confidence < 0 || answer.Confidence > 1 {
		return eris.New("confidence out of range")
	}
	return nil
}
