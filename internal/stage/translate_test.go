package stage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clearscript-health/rxscan/internal/model"
)

func TestTranslateSkippedWhenNotRequested(t *testing.T) {
	gw := &mockGateway{}

	rec := textRecord()
	res := NewTranslate(gw, "", 1024).Run(context.Background(), rec)

	assert.Equal(t, model.StageSkipped, res.Status)
	assert.Nil(t, rec.Translation)
	gw.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestTranslateInvalidLanguageIsRecoverable(t *testing.T) {
	gw := &mockGateway{}

	rec := textRecord()
	res := NewTranslate(gw, "not-a-language-tag!", 1024).Run(context.Background(), rec)

	assert.Equal(t, model.StageFailedRecoverable, res.Status)
	assert.Nil(t, rec.Translation)
}

func TestTranslateWritesParallelView(t *testing.T) {
	gw := &mockGateway{}
	gw.respond("m", `{"patient_name": "ジョン・ドウ", "prescriber": "スミス医師", "instructions": ["1日2回服用"]}`)

	rec := verifiableRecord()
	res := NewTranslate(gw, "ja", 1024).Run(context.Background(), rec)

	assert.Equal(t, model.StageSuccess, res.Status)
	require.NotNil(t, rec.Translation)
	assert.Equal(t, "ja", rec.Translation.Language)
	assert.Equal(t, []string{"1日2回服用"}, rec.Translation.Instructions)
	// Upstream fields untouched.
	assert.Equal(t, "John Doe", rec.Patient.Name)
}
