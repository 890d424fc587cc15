// Package analyst turns a page screenshot into a structured change report by
// asking a vision model to describe it, either from scratch or against the
// previous report.
package analyst

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/meerkat/internal/inference"
	"github.com/JakeFAU/meerkat/internal/report"
)

// Config tunes the prompt.
type Config struct {
	// Language is the language the model writes its prose in.
	Language string `mapstructure:"language"`
	// Market frames the analyst persona.
	Market string `mapstructure:"market"`
	// MimeType of screenshots handed to the model.
	MimeType string `mapstructure:"mime_type"`
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "Dutch"
	}
	if c.Market == "" {
		c.Market = "Dutch telecom"
	}
	if c.MimeType == "" {
		c.MimeType = "image/png"
	}
	return c
}

// State is a step of a single analysis.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateParsing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateParsing:
		return "parsing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateIdle:       {StateRequesting, StateFailed},
	StateRequesting: {StateParsing, StateFailed},
	StateParsing:    {StateDone, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Input is one analysis request. A nil Prior asks for a baseline.
type Input struct {
	Image      []byte
	TargetName string
	Prior      report.Report
}

// Result holds the report or the error, plus the states visited.
type Result struct {
	Report report.Report
	Err    error
	Trace  []State
}

// OK reports whether a report was produced.
func (r Result) OK() bool { return r.Err == nil && r.Report != nil }

// Analyst runs analyses against an inference client. It never retries.
type Analyst struct {
	client inference.Client
	cfg    Config
	logger *zap.Logger
}

// New builds an Analyst.
func New(client inference.Client, cfg Config, logger *zap.Logger) (*Analyst, error) {
	if client == nil {
		return nil, errors.New("inference client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyst{client: client, cfg: cfg.withDefaults(), logger: logger}, nil
}

type run struct {
	state State
	trace []State
}

func (r *run) to(next State) {
	if !canTransition(r.state, next) {
		panic(fmt.Sprintf("analyst: illegal transition %s -> %s", r.state, next))
	}
	r.state = next
	r.trace = append(r.trace, next)
}

// Analyze describes the screenshot. Baseline when in.Prior is nil, comparison
// otherwise.
func (a *Analyst) Analyze(ctx context.Context, in Input) Result {
	r := &run{state: StateIdle, trace: []State{StateIdle}}
	fail := func(err error) Result {
		r.to(StateFailed)
		return Result{Err: err, Trace: r.trace}
	}

	variant := report.VariantBaseline
	if in.Prior != nil {
		variant = report.VariantComparison
	}
	log := a.logger.With(zap.String("target", in.TargetName), zap.Stringer("variant", variant))

	if len(in.Image) == 0 {
		return fail(&ServiceError{Err: errors.New("no image to analyze")})
	}
	instructions, err := BuildPrompt(in.TargetName, in.Prior, a.cfg)
	if err != nil {
		return fail(&ServiceError{Err: err})
	}

	r.to(StateRequesting)
	start := time.Now()
	text, err := a.client.Analyze(ctx, in.Image, a.cfg.MimeType, instructions)
	if err != nil {
		log.Warn("model call failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return fail(&ServiceError{Err: err})
	}

	r.to(StateParsing)
	cleaned := report.StripFences(text)
	rep, err := report.DecodeAs([]byte(cleaned), variant)
	if err != nil {
		perr := newParseError(cleaned, err)
		log.Warn("model reply rejected", zap.Error(err), zap.String("prefix", perr.Prefix))
		return fail(perr)
	}

	r.to(StateDone)
	log.Info("analysis complete",
		zap.String("kind", string(rep.Kind())),
		zap.Int("max_impact", report.MaxImpact(rep)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return Result{Report: rep, Trace: r.trace}
}
