package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

const (
	MinScore = 0
	MaxScore = 10
)

var ErrInvalidEvaluation = errors.New("invalid evaluation payload")

// EvaluationScores holds the six rubric dimensions. The overall score is
// always derived from them and never stored independently.
type EvaluationScores struct {
	InformationHierarchy int `json:"information_hierarchy"`
	TechnicalAccuracy    int `json:"technical_accuracy"`
	LogoFidelity         int `json:"logo_fidelity"`
	VisualClarity        int `json:"visual_clarity"`
	DataFlowLegibility   int `json:"data_flow_legibility"`
	TextReadability      int `json:"text_readability"`
}

// Uniform returns scores with every dimension set to v.
func Uniform(v int) EvaluationScores {
	return EvaluationScores{v, v, v, v, v, v}
}

func (s EvaluationScores) values() []int {
	return []int{
		s.InformationHierarchy,
		s.TechnicalAccuracy,
		s.LogoFidelity,
		s.VisualClarity,
		s.DataFlowLegibility,
		s.TextReadability,
	}
}

// Overall is the mean of the six dimensions rounded half away from zero.
func (s EvaluationScores) Overall() int {
	sum := 0
	vals := s.values()
	for _, v := range vals {
		sum += v
	}
	return int(math.Round(float64(sum) / float64(len(vals))))
}

// Clamp forces every dimension into [MinScore, MaxScore].
func (s EvaluationScores) Clamp() EvaluationScores {
	return EvaluationScores{
		InformationHierarchy: clampScore(s.InformationHierarchy),
		TechnicalAccuracy:    clampScore(s.TechnicalAccuracy),
		LogoFidelity:         clampScore(s.LogoFidelity),
		VisualClarity:        clampScore(s.VisualClarity),
		DataFlowLegibility:   clampScore(s.DataFlowLegibility),
		TextReadability:      clampScore(s.TextReadability),
	}
}

func clampScore(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

// Evaluation is the judge's verdict on one set of images.
type Evaluation struct {
	Scores       *EvaluationScores `json:"scores,omitempty"`
	Strengths    []string          `json:"strengths"`
	Issues       []string          `json:"issues"`
	Improvements []string          `json:"improvements"`
}

func (e *Evaluation) OverallScore() *int {
	if e == nil || e.Scores == nil {
		return nil
	}
	v := e.Scores.Overall()
	return &v
}

// wireEvaluation accepts the loose shapes judges actually return: scores
// nested or flat, numbers as floats or strings, lists as a single string.
type wireEvaluation struct {
	Scores       json.RawMessage `json:"scores"`
	Strengths    looseList       `json:"strengths"`
	Issues       looseList       `json:"issues"`
	Improvements looseList       `json:"improvements"`

	InformationHierarchy *looseScore `json:"information_hierarchy"`
	TechnicalAccuracy    *looseScore `json:"technical_accuracy"`
	LogoFidelity         *looseScore `json:"logo_fidelity"`
	VisualClarity        *looseScore `json:"visual_clarity"`
	DataFlowLegibility   *looseScore `json:"data_flow_legibility"`
	TextReadability      *looseScore `json:"text_readability"`
}

// ParseEvaluation decodes a judge payload. Unknown fields are ignored and
// missing dimensions default to zero; scores are absent only when the payload
// carries no score field at all.
func ParseEvaluation(data []byte) (*Evaluation, error) {
	data = bytes.TrimSpace(stripCodeFence(data))
	var w wireEvaluation
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Join(ErrInvalidEvaluation, err)
	}

	flat := map[string]*looseScore{
		"information_hierarchy": w.InformationHierarchy,
		"technical_accuracy":    w.TechnicalAccuracy,
		"logo_fidelity":         w.LogoFidelity,
		"visual_clarity":        w.VisualClarity,
		"data_flow_legibility":  w.DataFlowLegibility,
		"text_readability":      w.TextReadability,
	}
	var nested map[string]looseScore
	if len(w.Scores) > 0 {
		if err := json.Unmarshal(w.Scores, &nested); err != nil {
			nested = nil
		}
	}
	found := len(nested) > 0
	lookup := func(key string) int {
		if v, ok := nested[key]; ok {
			return int(v)
		}
		if v := flat[key]; v != nil {
			found = true
			return int(*v)
		}
		return 0
	}

	scores := EvaluationScores{
		InformationHierarchy: lookup("information_hierarchy"),
		TechnicalAccuracy:    lookup("technical_accuracy"),
		LogoFidelity:         lookup("logo_fidelity"),
		VisualClarity:        lookup("visual_clarity"),
		DataFlowLegibility:   lookup("data_flow_legibility"),
		TextReadability:      lookup("text_readability"),
	}.Clamp()

	eval := &Evaluation{
		Strengths:    nonNil(w.Strengths),
		Issues:       nonNil(w.Issues),
		Improvements: nonNil(w.Improvements),
	}
	if found {
		eval.Scores = &scores
	}
	return eval, nil
}

type looseScore int

func (s *looseScore) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*s = 0
		return nil
	}
	*s = looseScore(math.Round(f))
	return nil
}

type looseList []string

func (l *looseList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*l = compact(list)
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*l = compact([]string{single})
		return nil
	}
	*l = nil
	return nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func nonNil(l looseList) []string {
	if l == nil {
		return []string{}
	}
	return []string(l)
}

func stripCodeFence(data []byte) []byte {
	s := strings.TrimSpace(string(data))
	if !strings.HasPrefix(s, "```") {
		return data
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(s)
}
