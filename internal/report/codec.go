package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Variant groups kinds by shape.
type Variant int

// Report variants.
const (
	VariantBaseline Variant = iota + 1
	VariantComparison
)

func (v Variant) String() string {
	switch v {
	case VariantBaseline:
		return "baseline"
	case VariantComparison:
		return "comparison"
	default:
		return "unknown"
	}
}

// VariantOf maps a wire kind to its shape. Unknown kinds map to zero.
func VariantOf(k Kind) Variant {
	switch k {
	case KindBaseline:
		return VariantBaseline
	case KindCritical, KindStable:
		return VariantComparison
	default:
		return 0
	}
}

// ErrVariantMismatch is returned when a document has the wrong shape for
// the caller's expectation.
var ErrVariantMismatch = errors.New("report variant mismatch")

// MinImpact and MaxImpactScore bound change impact scores.
const (
	MinImpact      = 1
	MaxImpactScore = 10
)

type wireFinding struct {
	Category string `json:"category"`
	Status   string `json:"status"`
}

type wireChange struct {
	Category    string `json:"category"`
	Before      string `json:"before_value"`
	After       string `json:"after_value"`
	Description string `json:"change_description"`
	Implication string `json:"business_implication"`
	ImpactScore score  `json:"impact_score"`
}

type envelope struct {
	Type     string        `json:"type"`
	Title    string        `json:"title"`
	Summary  string        `json:"summary"`
	Baseline []wireFinding `json:"baseline"`
	Changes  []wireChange  `json:"changes"`
	Advice   string        `json:"advice"`
}

type baselineDoc struct {
	Type     Kind          `json:"type"`
	Title    string        `json:"title"`
	Summary  string        `json:"summary"`
	Baseline []wireFinding `json:"baseline"`
	Advice   string        `json:"advice"`
}

type comparisonDoc struct {
	Type    Kind         `json:"type"`
	Title   string       `json:"title"`
	Summary string       `json:"summary"`
	Changes []wireChange `json:"changes"`
	Advice  string       `json:"advice"`
}

// score accepts integers, floats, and quoted numbers.
type score int

func (s *score) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("impact_score %q is not a number", raw)
	}
	*s = score(math.Round(f))
	return nil
}

// Encode serializes r into its wire document.
func Encode(r Report) ([]byte, error) {
	switch v := r.(type) {
	case Baseline:
		doc := baselineDoc{
			Type:     KindBaseline,
			Title:    v.Title,
			Summary:  v.Summary,
			Baseline: make([]wireFinding, 0, len(v.Findings)),
			Advice:   v.Advice,
		}
		for _, f := range v.Findings {
			doc.Baseline = append(doc.Baseline, wireFinding{Category: string(f.Category), Status: f.Status})
		}
		return marshal(doc)
	case Comparison:
		doc := comparisonDoc{
			Type:    v.Kind(),
			Title:   v.Title,
			Summary: v.Summary,
			Changes: make([]wireChange, 0, len(v.Changes)),
			Advice:  v.Advice,
		}
		for _, ch := range v.Changes {
			doc.Changes = append(doc.Changes, wireChange{
				Category:    string(ch.Category),
				Before:      ch.Before,
				After:       ch.After,
				Description: ch.Description,
				Implication: ch.Implication,
				ImpactScore: score(ch.ImpactScore),
			})
		}
		return marshal(doc)
	case nil:
		return nil, errors.New("encode report: nil report")
	default:
		return nil, fmt.Errorf("encode report: unsupported type %T", r)
	}
}

func marshal(doc any) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}

// Decode parses a stored document, dispatching on its "type" field.
func Decode(data []byte) (Report, error) {
	env, err := unmarshal(data)
	if err != nil {
		return nil, err
	}
	switch VariantOf(Kind(strings.ToLower(strings.TrimSpace(env.Type)))) {
	case VariantBaseline:
		return env.baseline()
	case VariantComparison:
		return env.comparison()
	default:
		return nil, fmt.Errorf("decode report: unknown type %q", env.Type)
	}
}

// DecodeAs parses data and requires it to have the expected shape. A missing
// "type" field is tolerated and resolved to want.
func DecodeAs(data []byte, want Variant) (Report, error) {
	env, err := unmarshal(data)
	if err != nil {
		return nil, err
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(env.Type)))
	got := want
	if kind != "" {
		got = VariantOf(kind)
	}
	if got != want {
		return nil, fmt.Errorf("%w: expected %s, got type %q", ErrVariantMismatch, want, env.Type)
	}
	if want == VariantBaseline {
		return env.baseline()
	}
	return env.comparison()
}

func unmarshal(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode report: %w", err)
	}
	return env, nil
}

func (e envelope) baseline() (Baseline, error) {
	byCategory := make(map[Category]string, len(Categories))
	for _, f := range e.Baseline {
		c, err := ParseCategory(f.Category)
		if err != nil {
			return Baseline{}, fmt.Errorf("decode baseline: %w", err)
		}
		if _, dup := byCategory[c]; dup {
			return Baseline{}, fmt.Errorf("decode baseline: duplicate category %s", c)
		}
		byCategory[c] = f.Status
	}
	findings := make([]Finding, 0, len(Categories))
	for _, c := range Categories {
		status, ok := byCategory[c]
		if !ok {
			return Baseline{}, fmt.Errorf("decode baseline: missing category %s", c)
		}
		findings = append(findings, Finding{Category: c, Status: status})
	}
	return Baseline{
		Meta:     Meta{Title: e.Title, Summary: e.Summary, Advice: e.Advice},
		Findings: findings,
	}, nil
}

func (e envelope) comparison() (Comparison, error) {
	changes := make([]Change, 0, len(e.Changes))
	for i, wc := range e.Changes {
		c, err := ParseCategory(wc.Category)
		if err != nil {
			return Comparison{}, fmt.Errorf("decode change %d: %w", i, err)
		}
		impact := int(wc.ImpactScore)
		if impact < MinImpact || impact > MaxImpactScore {
			return Comparison{}, fmt.Errorf("decode change %d: impact_score %d outside %d-%d",
				i, impact, MinImpact, MaxImpactScore)
		}
		changes = append(changes, Change{
			Category:    c,
			Before:      wc.Before,
			After:       wc.After,
			Description: wc.Description,
			Implication: wc.Implication,
			ImpactScore: impact,
		})
	}
	// The service's own label is advisory; the rule decides.
	return Comparison{
		Meta:    Meta{Title: e.Title, Summary: e.Summary, Advice: e.Advice},
		Type:    Classify(changes),
		Changes: changes,
	}, nil
}

// StripFences removes a markdown code fence (with optional language tag)
// wrapped around a payload.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
		rest = rest[nl+1:]
	} else {
		rest = strings.TrimPrefix(rest, "json")
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
