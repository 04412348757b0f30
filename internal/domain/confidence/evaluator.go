// Package confidence scores raw inference output against per-document-class
// thresholds. Evaluation is a pure function: no side effects, deterministic
// for the same raw result.
package confidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/veridoc/veridoc/internal/domain/model"
)

// DefaultScoreExpr extracts the confidence value from the worker's raw
// inference JSON when a class carries no expression of its own.
const DefaultScoreExpr = "confidence_raw"

// ClassPolicy is the per-document-class evaluation configuration. The score
// expression is a JMESPath query over the raw inference JSON; the threshold
// is supplied by configuration, never hardcoded.
type ClassPolicy struct {
	Threshold float64
	ScoreExpr string
}

// Decision is the outcome of evaluating one inference result.
type Decision struct {
	Score     float64
	Threshold float64
	Pass      bool
}

// Evaluator maps raw inference output to a confidence decision.
type Evaluator struct {
	policies map[model.DocumentClass]ClassPolicy
}

// NewEvaluator validates the per-class policies and constructs an Evaluator.
func NewEvaluator(policies map[model.DocumentClass]ClassPolicy) (*Evaluator, error) {
	if len(policies) == 0 {
		return nil, errors.New("at least one document class policy is required")
	}
	own := make(map[model.DocumentClass]ClassPolicy, len(policies))
	for class, p := range policies {
		if !class.Valid() {
			return nil, fmt.Errorf("invalid document class: %q", class)
		}
		if p.Threshold < 0 || p.Threshold > 1 {
			return nil, fmt.Errorf("class %s: threshold must be within [0,1], got %v", class, p.Threshold)
		}
		if strings.TrimSpace(p.ScoreExpr) == "" {
			p.ScoreExpr = DefaultScoreExpr
		}
		if _, err := jmespath.Compile(p.ScoreExpr); err != nil {
			return nil, fmt.Errorf("class %s: compile score expression: %w", class, err)
		}
		own[class] = p
	}
	return &Evaluator{policies: own}, nil
}

// Evaluate extracts the confidence score from the raw inference JSON and
// decides pass/fail against the class threshold.
func (e *Evaluator) Evaluate(class model.DocumentClass, raw []byte) (Decision, error) {
	policy, ok := e.policies[class]
	if !ok {
		return Decision{}, fmt.Errorf("no confidence policy for document class %q", class)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Decision{}, fmt.Errorf("decode inference result: %w", err)
	}

	value, err := jmespath.Search(policy.ScoreExpr, doc)
	if err != nil {
		return Decision{}, fmt.Errorf("extract confidence score: %w", err)
	}

	score, err := toScore(value)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Score:     score,
		Threshold: policy.Threshold,
		Pass:      score >= policy.Threshold,
	}, nil
}

// Threshold returns the configured threshold for a class, for logging and
// event payloads.
func (e *Evaluator) Threshold(class model.DocumentClass) (float64, bool) {
	p, ok := e.policies[class]
	return p.Threshold, ok
}

func toScore(value any) (float64, error) {
	f, ok := value.(float64)
	if !ok {
		return 0, fmt.Errorf("confidence score is not a number: %T", value)
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("confidence score out of range [0,1]: %v", f)
	}
	return f, nil
}
