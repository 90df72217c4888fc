package issue

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/zhouzirui/z-coach/backend/internal/model/chat"
)

// Finding 是规则命中的一处语言问题。
type Finding struct {
	Type        chat.IssueType
	Original    string
	Suggested   string
	Explanation string
	Severity    chat.Severity
}

type phraseRule struct {
	pattern     *regexp.Regexp
	suggested   string
	kind        chat.IssueType
	severity    chat.Severity
	explanation string
}

func rule(pattern, suggested string, kind chat.IssueType, severity chat.Severity, explanation string) phraseRule {
	return phraseRule{
		pattern:     regexp.MustCompile(`(?i)\b` + pattern + `\b`),
		suggested:   suggested,
		kind:        kind,
		severity:    severity,
		explanation: explanation,
	}
}

// 中文母语学习者的高频错误
var phraseRules = []phraseRule{
	rule(`(could|should|would|must) of`, "$1 have", chat.IssueGrammar, chat.SeverityMedium,
		`Use "have" after modal verbs, not "of".`),
	rule(`(he|she|it) don't`, "$1 doesn't", chat.IssueGrammar, chat.SeverityMedium,
		`Third-person singular subjects take "doesn't".`),
	rule(`(he|she|it) have`, "$1 has", chat.IssueGrammar, chat.SeverityMedium,
		`Third-person singular subjects take "has".`),
	rule(`i am agree`, "I agree", chat.IssueGrammar, chat.SeverityMedium,
		`"Agree" is a verb; no "am" is needed.`),
	rule(`more (better|worse|easier|faster|bigger)`, "$1", chat.IssueGrammar, chat.SeverityLow,
		`The comparative already means "more"; drop "more".`),
	rule(`discuss about`, "discuss", chat.IssueGrammar, chat.SeverityLow,
		`"Discuss" takes a direct object without "about".`),
	rule(`informations`, "information", chat.IssueWordChoice, chat.SeverityLow,
		`"Information" is uncountable.`),
	rule(`advices`, "advice", chat.IssueWordChoice, chat.SeverityLow,
		`"Advice" is uncountable.`),
	rule(`furnitures`, "furniture", chat.IssueWordChoice, chat.SeverityLow,
		`"Furniture" is uncountable.`),
	rule(`open the (light|lights)`, "turn on the $1", chat.IssueWordChoice, chat.SeverityLow,
		`Lights are turned on, not opened.`),
	rule(`play (a )?game with my phone`, "play ${1}game on my phone", chat.IssueWordChoice, chat.SeverityLow,
		`Games are played "on" a device.`),
	rule(`very like`, "really like", chat.IssueWordChoice, chat.SeverityLow,
		`"Very" cannot modify a verb; use "really".`),
	rule(`how to say`, "how do you say", chat.IssueSuggestion, chat.SeverityLow,
		`A full question sounds more natural.`),
}

var (
	wordPattern = regexp.MustCompile(`[A-Za-z']+`)
	loneLowerI  = regexp.MustCompile(`(^|[^\p{L}'])i([^\p{L}']|$)`)
)

// Analyze 用规则检查学习者的一句话，结果按出现顺序返回。
func Analyze(text string) []Finding {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var findings []Finding
	seen := make(map[string]struct{})
	add := func(f Finding) {
		key := string(f.Type) + "|" + strings.ToLower(f.Original)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		findings = append(findings, f)
	}

	for _, r := range phraseRules {
		for _, loc := range r.pattern.FindAllStringSubmatchIndex(text, -1) {
			original := text[loc[0]:loc[1]]
			suggested := string(r.pattern.ExpandString(nil, r.suggested, text, loc))
			add(Finding{
				Type:        r.kind,
				Original:    original,
				Suggested:   suggested,
				Explanation: r.explanation,
				Severity:    r.severity,
			})
		}
	}

	for _, f := range repeatedWords(text) {
		add(f)
	}

	if loneLowerI.MatchString(text) {
		add(Finding{
			Type:        chat.IssueGrammar,
			Original:    "i",
			Suggested:   "I",
			Explanation: `The pronoun "I" is always capitalized.`,
			Severity:    chat.SeverityLow,
		})
	}

	if first := []rune(text)[0]; unicode.IsLower(first) {
		sentence := firstSentence(text)
		add(Finding{
			Type:        chat.IssueSuggestion,
			Original:    sentence,
			Suggested:   capitalize(sentence),
			Explanation: "Start a sentence with a capital letter.",
			Severity:    chat.SeverityLow,
		})
	}

	return findings
}

// repeatedWords 找出 "the the" 这类相邻重复。
func repeatedWords(text string) []Finding {
	var out []Finding
	locs := wordPattern.FindAllStringIndex(text, -1)
	for i := 1; i < len(locs); i++ {
		prev, cur := locs[i-1], locs[i]
		if strings.TrimSpace(text[prev[1]:cur[0]]) != "" {
			continue
		}
		word := text[prev[0]:prev[1]]
		if !strings.EqualFold(word, text[cur[0]:cur[1]]) || strings.EqualFold(word, "that") || strings.EqualFold(word, "had") {
			continue
		}
		out = append(out, Finding{
			Type:        chat.IssueGrammar,
			Original:    text[prev[0]:cur[1]],
			Suggested:   word,
			Explanation: "The word is repeated.",
			Severity:    chat.SeverityLow,
		})
	}
	return out
}

func firstSentence(text string) string {
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 {
		return text[:idx+1]
	}
	return text
}

func capitalize(s string) string {
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
