// Package lang provides the natural-language helpers the workflow uses to
// pick a response language and to detect review signals in agent replies.
// Both are heuristics; callers treat them as pluggable.
package lang

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// ResolveLanguage guesses the language of text from its script mix.
// Latin-only or empty text resolves to English.
func ResolveLanguage(text string) language.Tag {
	var latin, hangul, kana, han int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.IsLetter(r):
			latin++
		}
	}

	cjk := hangul + kana + han
	// Code identifiers inflate the Latin count; a modest share of CJK
	// characters is enough to decide.
	if cjk == 0 || cjk*3 < latin {
		return language.English
	}
	switch {
	case hangul >= kana && hangul >= han:
		return language.Korean
	case kana > 0:
		return language.Japanese
	default:
		return language.Chinese
	}
}

// Signals is the set of keyword families found in a text.
type Signals struct {
	Approval    bool
	NoRisk      bool
	Deferral    bool
	HardBlocker bool
	Hold        bool
}

// Any reports whether any family matched.
func (s Signals) Any() bool {
	return s.Approval || s.NoRisk || s.Deferral || s.HardBlocker || s.Hold
}

// Families holds the phrases for each signal family. Phrases are matched as
// case-folded substrings of the NFKC-normalized text.
type Families struct {
	Approval    []string
	NoRisk      []string
	Deferral    []string
	HardBlocker []string
	Hold        []string
}

// Merge returns a copy of f with extra's phrases appended.
func (f Families) Merge(extra Families) Families {
	join := func(a, b []string) []string {
		out := make([]string, 0, len(a)+len(b))
		out = append(out, a...)
		return append(out, b...)
	}
	return Families{
		Approval:    join(f.Approval, extra.Approval),
		NoRisk:      join(f.NoRisk, extra.NoRisk),
		Deferral:    join(f.Deferral, extra.Deferral),
		HardBlocker: join(f.HardBlocker, extra.HardBlocker),
		Hold:        join(f.Hold, extra.Hold),
	}
}

// DefaultFamilies returns the built-in phrases for English, Korean,
// Japanese and Chinese.
func DefaultFamilies() Families {
	return Families{
		Approval: []string{
			"approve", "lgtm", "looks good", "ship it", "sign off", "signed off",
			"ready to merge", "no objection", "good to go",
			"승인", "동의합니다", "좋습니다", "진행해도",
			"承認", "問題ありません",
			"批准", "同意", "通过",
		},
		NoRisk: []string{
			"no risk", "no issues", "no concerns", "no blockers", "no blocking",
			"nothing blocking", "all clear",
			"리스크 없", "문제 없", "문제없", "이슈 없", "우려 없",
			"リスクなし", "問題なし",
			"无风险", "没有问题",
		},
		Deferral: []string{
			"mvp", "out of scope", "out-of-scope", "post-merge", "post merge",
			"follow-up", "follow up", "future iteration", "later phase",
			"monitor", "defer", "nice to have", "non-blocking",
			"범위 밖", "범위 외", "후속", "모니터링", "추후",
			"スコープ外", "後続", "監視",
			"范围外", "后续", "监控",
		},
		HardBlocker: []string{
			"security vulnerability", "data loss", "crash", "blocker",
			"blocking issue", "must fix", "critical", "broken build", "regression",
			"fails to compile", "does not compile", "tests fail", "failing test",
			"보안 취약", "데이터 손실", "치명적", "크래시", "빌드 실패", "블로커",
			"致命的", "データ損失", "脆弱性",
			"数据丢失", "严重", "安全漏洞",
		},
		Hold: []string{
			"hold", "revise", "revision", "rework", "concern", "risk",
			"conditional", "needs changes", "request changes", "not ready",
			"before merge", "must address", "missing",
			"보류", "수정 필요", "보완", "재검토", "리스크", "우려", "조건부",
			"保留", "修正が必要", "懸念",
			"暂缓", "需要修改", "风险",
		},
	}
}

// Classifier detects signal families using a fixed phrase set.
type Classifier struct {
	families Families
}

// NewClassifier creates a classifier over the given families.
func NewClassifier(f Families) *Classifier {
	fold := func(in []string) []string {
		c := cases.Fold()
		out := make([]string, 0, len(in))
		for _, p := range in {
			p = strings.TrimSpace(norm.NFKC.String(p))
			if p == "" {
				continue
			}
			out = append(out, c.String(p))
		}
		return out
	}
	return &Classifier{
		families: Families{
			Approval:    fold(f.Approval),
			NoRisk:      fold(f.NoRisk),
			Deferral:    fold(f.Deferral),
			HardBlocker: fold(f.HardBlocker),
			Hold:        fold(f.Hold),
		},
	}
}

// Classify returns the signal families present in text.
// Negated risk phrases ("no blockers", "no risk") are blanked out before the
// hold and hard-blocker families are tested so they don't count against it.
func (c *Classifier) Classify(text string) Signals {
	folded := Fold(text)

	s := Signals{
		Approval: containsAny(folded, c.families.Approval),
		NoRisk:   containsAny(folded, c.families.NoRisk),
		Deferral: containsAny(folded, c.families.Deferral),
	}

	rest := folded
	if s.NoRisk {
		for _, p := range c.families.NoRisk {
			rest = strings.ReplaceAll(rest, p, " ")
		}
	}
	s.HardBlocker = containsAny(rest, c.families.HardBlocker)
	s.Hold = containsAny(rest, c.families.Hold)
	return s
}

var defaultClassifier = NewClassifier(DefaultFamilies())

// ClassifyText returns the signal families present in text using the
// built-in phrase set.
func ClassifyText(text string) Signals {
	return defaultClassifier.Classify(text)
}

// Fold normalizes text for matching: NFKC, then Unicode case folding.
func Fold(text string) string {
	return cases.Fold().String(norm.NFKC.String(text))
}

// ContainsPhrase reports whether phrase occurs in text under the same
// normalization and word-boundary rule the classifier uses.
func ContainsPhrase(text, phrase string) bool {
	phrase = Fold(strings.TrimSpace(phrase))
	if phrase == "" {
		return false
	}
	return containsAt(Fold(text), phrase)
}

// containsAny reports whether any phrase occurs in text. Phrases that start
// with a letter must start at a word boundary, so "hold" does not match
// "threshold"; a trailing boundary is not required ("approve" matches
// "approved").
func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if containsAt(text, p) {
			return true
		}
	}
	return false
}

func containsAt(text, phrase string) bool {
	first, _ := utf8.DecodeRuneInString(phrase)
	bounded := first < utf8.RuneSelf && unicode.IsLetter(first)

	offset := 0
	for {
		i := strings.Index(text[offset:], phrase)
		if i < 0 {
			return false
		}
		at := offset + i
		if !bounded || at == 0 {
			return true
		}
		prev, _ := utf8.DecodeLastRuneInString(text[:at])
		if !unicode.IsLetter(prev) && !unicode.IsDigit(prev) {
			return true
		}
		offset = at + len(phrase)
	}
}
