// Package postcheck screens model output after generation. Deterministic
// leakage heuristics run first; an optional ML classifier provides the
// semantic signal. Flagged outputs are never released.
package postcheck

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aegis/backend/internal/core"
	"github.com/aegis/backend/internal/rules"
)

// heuristic is one compiled leakage pattern. First match wins.
type heuristic struct {
	re         *regexp.Regexp
	reasonCode string
	severity   core.Severity
}

var leakHeuristics = []heuristic{
	{
		// Detailed synthesis instructions (chem/bio weapon shapes).
		re:         regexp.MustCompile(`(?is)(synthesi[sz]e|precursor|reaction\s+steps?).{0,120}(nerve\s+agent|sarin|vx|ricin|pathogen|weapon)`),
		reasonCode: "HIGH_RISK_CHEM_WEAPON",
		severity:   core.SeverityCritical,
	},
	{
		re:         regexp.MustCompile(`(?is)(step\s*\d+.{0,200}){2,}(detonat|explosiv|pipe\s+bomb)`),
		reasonCode: "HIGH_RISK_WEAPON",
		severity:   core.SeverityCritical,
	},
	{
		// Malware scaffolding: shellcode, keyloggers, ransomware loops.
		re:         regexp.MustCompile(`(?is)(shellcode|keylogger|ransomware).{0,160}(inject|encrypt\s+files|exfiltrat)`),
		reasonCode: "MALWARE_SCAFFOLD",
		severity:   core.SeverityHigh,
	},
	{
		// PII shapes: SSN-like and card-like sequences.
		re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b(?:\d[ -]*?){13,16}\b`),
		reasonCode: "PII_LEAK",
		severity:   core.SeverityHigh,
	},
}

// Classification is the optional ML signal.
type Classification struct {
	Score      float64 `json:"score"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier is the single-inference content classifier contract. Nil
// disables the ML and coherence steps.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
}

// Result is the post-check verdict.
type Result struct {
	Flagged    bool
	ReasonCode core.ReasonCode
	Severity   core.Severity
	Evidence   string
	Scores     map[string]float64
}

// Detector runs the ordered output screen.
type Detector struct {
	engine        *rules.Engine
	classifier    Classifier
	flagThreshold float64
}

// NewDetector builds the detector. flagThreshold defaults to 0.65.
func NewDetector(engine *rules.Engine, classifier Classifier, flagThreshold float64) *Detector {
	if flagThreshold <= 0 {
		flagThreshold = 0.65
	}
	return &Detector{engine: engine, classifier: classifier, flagThreshold: flagThreshold}
}

// Check screens one model output against the input it answered. Any panic
// or classifier transport error flags the output with DETECTOR_ERROR.
func (d *Detector) Check(ctx context.Context, input, output string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("post-check panicked, failing closed", "panic", r)
			result = Result{Flagged: true, ReasonCode: core.ReasonDetectorError, Severity: core.SeverityHigh}
		}
	}()

	scores := make(map[string]float64)

	// Rule engine re-applied to the output: blocking and escalating matches
	// flag, lower actions only contribute scores.
	if matches, _ := d.engine.Evaluate(output, "output"); len(matches) > 0 {
		top := matches[0]
		scores["rule:"+top.RuleID] = top.Confidence
		switch top.Action {
		case core.ActionBlock, core.ActionEscalate, core.ActionCanary:
			return Result{
				Flagged:    true,
				ReasonCode: strings.ToUpper(top.Category),
				Severity:   top.Severity,
				Evidence:   top.MatchedText,
				Scores:     scores,
			}
		}
	}

	for _, h := range leakHeuristics {
		if loc := h.re.FindStringIndex(output); loc != nil {
			scores["heuristic"] = 1.0
			return Result{
				Flagged:    true,
				ReasonCode: h.reasonCode,
				Severity:   h.severity,
				Evidence:   snippet(output, loc[0], loc[1]),
				Scores:     scores,
			}
		}
	}

	if d.classifier == nil {
		return Result{Scores: scores}
	}

	outCls, err := d.classifier.Classify(ctx, output)
	if err != nil {
		slog.Warn("output classifier failed, failing closed", "error", err)
		return Result{Flagged: true, ReasonCode: core.ReasonDetectorError, Severity: core.SeverityHigh, Scores: scores}
	}
	scores["classifier"] = outCls.Score

	if outCls.Label != "SAFE" && outCls.Score >= d.flagThreshold {
		return Result{
			Flagged:    true,
			ReasonCode: strings.ToUpper(outCls.Label),
			Severity:   core.SeverityHigh,
			Evidence:   "classifier score above threshold",
			Scores:     scores,
		}
	}

	// Coherence cross-check: a SAFE input that produced a borderline,
	// not-SAFE output is suspicious even below the flag threshold.
	inCls, err := d.classifier.Classify(ctx, input)
	if err == nil && inCls.Label == "SAFE" &&
		outCls.Label != "SAFE" && outCls.Score >= d.flagThreshold/2 {
		scores["coherence"] = outCls.Score
		return Result{
			Flagged:    true,
			ReasonCode: core.ReasonCoherenceMismatch,
			Severity:   core.SeverityMedium,
			Evidence:   "input classified SAFE but output is borderline",
			Scores:     scores,
		}
	}

	return Result{Scores: scores}
}

func snippet(s string, start, end int) string {
	const pad = 40
	lo, hi := start-pad, end+pad
	if lo < 0 {
		lo = 0
	}
	if hi > len(s) {
		hi = len(s)
	}
	return s[lo:hi]
}
