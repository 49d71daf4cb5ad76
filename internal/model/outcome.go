package model

// StageStatus is the per-stage outcome vocabulary.
type StageStatus string

const (
	StageSuccess             StageStatus = "success"
	StageSuccessWithWarnings StageStatus = "success_with_warnings"
	StageSkipped             StageStatus = "skipped"
	StageFailedRecoverable   StageStatus = "failed_recoverable"
	StageFailedFatal         StageStatus = "failed_fatal"
	StageCancelled           StageStatus = "cancelled"
)

// OK reports whether the outcome counts toward a COMPLETED record.
func (s StageStatus) OK() bool {
	return s == StageSuccess || s == StageSuccessWithWarnings
}

// StageResult is what a stage returns to the orchestrator. The stage has
// already applied its field updates to the record by the time it returns.
type StageResult struct {
	Status   StageStatus
	Model    string // model id that produced the stage's output, if any
	Detail   string // warning or failure description
	Warnings []string
}

// Field names stages may declare as hard dependencies.
const (
	FieldRawExtraction = "raw_extraction"
	FieldPatient       = "patient"
	FieldPrescriber    = "prescriber"
	FieldDrugEntries   = "drug_entries"
)

// HasField reports whether the named record field has been populated.
func (r *PrescriptionRecord) HasField(name string) bool {
	switch name {
	case FieldRawExtraction:
		return r.RawExtraction != ""
	case FieldPatient:
		return r.Patient != nil
	case FieldPrescriber:
		return r.Prescriber != nil
	case FieldDrugEntries:
		return len(r.DrugEntries) > 0
	default:
		return false
	}
}
