package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cloudflare/ahocorasick"

	"github.com/aegis/backend/internal/core"
)

// DynamicSource supplies admin-injected rule blobs from the coordination
// store. Nil means file rules only.
type DynamicSource interface {
	DynamicRules(ctx context.Context) ([]string, error)
}

// compiledSet is one immutable, fully-built rule set. Readers grab the
// pointer once and never observe a partial set.
type compiledSet struct {
	version  uint64
	byID     map[string]*Rule
	kw       *ahocorasick.Matcher
	kwWords  []string // folded dictionary, index-aligned with the automaton
	kwOrig   []string // keyword as written, for case-sensitive verification
	kwOwners [][]*Rule
	regexes  []regexRule
}

type regexRule struct {
	rule *Rule
	re   *regexp.Regexp
}

// Engine evaluates text against the active rule set.
type Engine struct {
	set     atomic.Pointer[compiledSet]
	cache   *resultCache
	files   []string
	dynamic DynamicSource
	version atomic.Uint64
}

// NewEngine builds an engine from the given rule files plus the dynamic
// source. The initial load must succeed; later reloads fall back to the
// previous set on error.
func NewEngine(files []string, dynamic DynamicSource) (*Engine, error) {
	e := &Engine{
		cache:   newResultCache(10000),
		files:   files,
		dynamic: dynamic,
	}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewEngineFromRules builds an engine over an explicit rule list (tests,
// admin injection paths).
func NewEngineFromRules(list []Rule) (*Engine, error) {
	e := &Engine{cache: newResultCache(10000)}
	byID := make(map[string]*Rule, len(list))
	for i := range list {
		r := list[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		byID[r.ID] = &r
	}
	set, err := e.compile(byID)
	if err != nil {
		return nil, err
	}
	e.set.Store(set)
	return e, nil
}

// Reload rebuilds the set off-line from files + dynamic rules and swaps it
// atomically. In-flight evaluations keep the old snapshot.
func (e *Engine) Reload(ctx context.Context) error {
	byID := make(map[string]*Rule)
	if len(e.files) > 0 {
		loaded, err := LoadFiles(e.files...)
		if err != nil {
			return err
		}
		byID = loaded
	}
	if e.dynamic != nil {
		blobs, err := e.dynamic.DynamicRules(ctx)
		if err != nil {
			slog.Warn("dynamic rules unavailable, keeping file rules only", "error", err)
		}
		for _, blob := range blobs {
			r, err := ParseDynamic(blob)
			if err != nil {
				slog.Warn("skipping invalid dynamic rule", "error", err)
				continue
			}
			byID[r.ID] = r
		}
	}
	set, err := e.compile(byID)
	if err != nil {
		return err
	}
	e.set.Store(set)
	slog.Info("rule set loaded", "rules", len(byID), "version", set.version)
	return nil
}

func (e *Engine) compile(byID map[string]*Rule) (*compiledSet, error) {
	set := &compiledSet{
		version: e.version.Add(1),
		byID:    byID,
	}
	// Deduplicate folded keywords; several rules may own the same word.
	owners := make(map[string][]*Rule)
	origs := make(map[string]string)
	for _, r := range byID {
		if !r.Enabled {
			continue
		}
		switch r.MatchKind {
		case KindKeyword:
			for _, kw := range r.Keywords {
				kw = strings.TrimSpace(kw)
				if kw == "" {
					continue
				}
				folded := strings.ToLower(kw)
				owners[folded] = append(owners[folded], r)
				origs[folded] = kw
			}
		case KindRegex:
			// Combine patterns with alternation; case folding is handled by
			// a (?i) prefix so byte offsets stay valid on the original text.
			pattern := "(?:" + strings.Join(r.Patterns, ")|(?:") + ")"
			if !r.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("compile rule %s: %w", r.ID, err)
			}
			set.regexes = append(set.regexes, regexRule{rule: r, re: re})
		}
	}
	for folded := range owners {
		set.kwWords = append(set.kwWords, folded)
	}
	sort.Strings(set.kwWords)
	set.kwOwners = make([][]*Rule, len(set.kwWords))
	set.kwOrig = make([]string, len(set.kwWords))
	for i, w := range set.kwWords {
		set.kwOwners[i] = owners[w]
		set.kwOrig[i] = origs[w]
	}
	if len(set.kwWords) > 0 {
		set.kw = ahocorasick.NewStringMatcher(set.kwWords)
	}
	// Stable regex order so evaluation is deterministic across processes.
	sort.Slice(set.regexes, func(i, j int) bool { return set.regexes[i].rule.ID < set.regexes[j].rule.ID })
	return set, nil
}

// Version returns the active rule-set version.
func (e *Engine) Version() uint64 {
	if set := e.set.Load(); set != nil {
		return set.version
	}
	return 0
}

// RuleCount returns the number of loaded rules.
func (e *Engine) RuleCount() int {
	if set := e.set.Load(); set != nil {
		return len(set.byID)
	}
	return 0
}

// Evaluate returns at most one match per rule, sorted by severity
// (critical first) then descending priority, plus the evaluation latency.
func (e *Engine) Evaluate(text, evalContext string) ([]Match, float64) {
	start := time.Now()
	if strings.TrimSpace(text) == "" {
		return nil, msSince(start)
	}
	set := e.set.Load()
	if set == nil {
		return nil, msSince(start)
	}

	key := cacheKey(text, evalContext, set.version)
	if cached, ok := e.cache.get(key); ok {
		return cached, msSince(start)
	}

	matched := make(map[string]Match)
	folded := strings.ToLower(text)

	if set.kw != nil {
		for _, hit := range set.kw.Match([]byte(folded)) {
			word := set.kwWords[hit]
			for _, r := range set.kwOwners[hit] {
				if _, dup := matched[r.ID]; dup {
					continue
				}
				idx := -1
				length := 0
				if r.CaseSensitive {
					orig := set.kwOrig[hit]
					idx = strings.Index(text, orig)
					length = len(orig)
				} else {
					idx = strings.Index(folded, word)
					length = len(word)
				}
				if idx < 0 {
					continue
				}
				end := idx + length
				if end > len(text) {
					end = len(text)
				}
				matched[r.ID] = newMatch(r, text[idx:end], idx, end)
			}
		}
	}

	for _, rr := range set.regexes {
		if _, dup := matched[rr.rule.ID]; dup {
			continue
		}
		if loc := rr.re.FindStringIndex(text); loc != nil {
			matched[rr.rule.ID] = newMatch(rr.rule, text[loc[0]:loc[1]], loc[0], loc[1])
		}
	}

	out := make([]Match, 0, len(matched))
	for _, m := range matched {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].RuleID < out[j].RuleID
	})

	e.cache.put(key, out)
	return out, msSince(start)
}

// QuickCheck returns the first blocking verdict: a match whose action is
// block or canary, or an escalate match at high/critical severity.
func (e *Engine) QuickCheck(text string) (blocked bool, reasonCode string, action core.Action) {
	matches, _ := e.Evaluate(text, "")
	if m, ok := FirstBlocking(matches); ok {
		return true, strings.ToUpper(m.Category), m.Action
	}
	return false, "", ""
}

// FirstBlocking returns the match a blocking QuickCheck verdict comes from:
// the first match, in evaluation order, whose action blocks outright or
// escalates at high/critical severity. Log-action matches never block, no
// matter how severe.
func FirstBlocking(matches []Match) (Match, bool) {
	for _, m := range matches {
		switch m.Action {
		case core.ActionBlock, core.ActionCanary:
			return m, true
		case core.ActionEscalate:
			if m.Severity.AtLeast(core.SeverityHigh) {
				return m, true
			}
		}
	}
	return Match{}, false
}

func newMatch(r *Rule, text string, start, end int) Match {
	return Match{
		RuleID:      r.ID,
		Category:    r.Category,
		Severity:    r.Severity,
		Action:      r.Action,
		MatchedText: text,
		Start:       start,
		End:         end,
		Confidence:  r.Confidence,
		Priority:    r.Priority,
	}
}

func cacheKey(text, evalContext string, version uint64) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(evalContext))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(version, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
