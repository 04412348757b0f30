package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridoc/veridoc/internal/domain/model"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator(map[model.DocumentClass]ClassPolicy{
		model.DocumentClassImage: {Threshold: 0.85},
		model.DocumentClassPDF:   {Threshold: 0.80, ScoreExpr: "min(pages[].confidence)"},
	})
	require.NoError(t, err)
	return ev
}

func TestNewEvaluator_Validation(t *testing.T) {
	_, err := NewEvaluator(nil)
	assert.Error(t, err)

	_, err = NewEvaluator(map[model.DocumentClass]ClassPolicy{
		model.DocumentClassImage: {Threshold: 1.5},
	})
	assert.Error(t, err)

	_, err = NewEvaluator(map[model.DocumentClass]ClassPolicy{
		"docx": {Threshold: 0.5},
	})
	assert.Error(t, err)

	_, err = NewEvaluator(map[model.DocumentClass]ClassPolicy{
		model.DocumentClassImage: {Threshold: 0.5, ScoreExpr: "pages[unbalanced"},
	})
	assert.Error(t, err)
}

func TestEvaluate_HighConfidencePasses(t *testing.T) {
	ev := newTestEvaluator(t)

	d, err := ev.Evaluate(model.DocumentClassImage, []byte(`{"output":"text","confidence_raw":0.92}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.92, d.Score, 1e-9)
	assert.InDelta(t, 0.85, d.Threshold, 1e-9)
	assert.True(t, d.Pass)
}

func TestEvaluate_LowConfidenceFails(t *testing.T) {
	ev := newTestEvaluator(t)

	d, err := ev.Evaluate(model.DocumentClassImage, []byte(`{"output":"text","confidence_raw":0.60}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.60, d.Score, 1e-9)
	assert.False(t, d.Pass)
}

func TestEvaluate_ExactThresholdPasses(t *testing.T) {
	ev := newTestEvaluator(t)

	d, err := ev.Evaluate(model.DocumentClassImage, []byte(`{"confidence_raw":0.85}`))
	require.NoError(t, err)
	assert.True(t, d.Pass)
}

func TestEvaluate_ClassSpecificExpression(t *testing.T) {
	ev := newTestEvaluator(t)

	raw := []byte(`{"pages":[{"confidence":0.95},{"confidence":0.71},{"confidence":0.9}]}`)
	d, err := ev.Evaluate(model.DocumentClassPDF, raw)
	require.NoError(t, err)
	assert.InDelta(t, 0.71, d.Score, 1e-9)
	assert.False(t, d.Pass)
}

func TestEvaluate_Deterministic(t *testing.T) {
	ev := newTestEvaluator(t)
	raw := []byte(`{"confidence_raw":0.77}`)

	first, err := ev.Evaluate(model.DocumentClassImage, raw)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, evalErr := ev.Evaluate(model.DocumentClassImage, raw)
		require.NoError(t, evalErr)
		assert.Equal(t, first, again)
	}
}

func TestEvaluate_Rejections(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Evaluate("docx", []byte(`{"confidence_raw":0.9}`))
	assert.Error(t, err)

	_, err = ev.Evaluate(model.DocumentClassImage, []byte(`not-json`))
	assert.Error(t, err)

	_, err = ev.Evaluate(model.DocumentClassImage, []byte(`{"confidence_raw":"high"}`))
	assert.Error(t, err)

	_, err = ev.Evaluate(model.DocumentClassImage, []byte(`{"confidence_raw":1.2}`))
	assert.Error(t, err)
}
