package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-coach/backend/internal/model/scenario"
)

// PromptTemplate 场景专属的教练提示。
type PromptTemplate struct {
	SystemPrompt string
	RoleHints    []string
	CoachRules   []string
}

// PromptManager 按场景 ID 管理提示模板，未登记的场景使用通用模板。
type PromptManager struct {
	templates map[string]*PromptTemplate
}

// NewPromptManager creates a manager with the built-in scenario templates.
func NewPromptManager() *PromptManager {
	pm := &PromptManager{templates: make(map[string]*PromptTemplate)}
	pm.loadDefaultTemplates()
	return pm
}

// BuildSystemPrompt 组装系统提示。sc 为 nil 时是自由对话。
func (pm *PromptManager) BuildSystemPrompt(sc *scenario.Scenario, language, nativeLanguage string) string {
	var b strings.Builder
	if sc == nil {
		fmt.Fprintf(&b, "You are a friendly conversation partner helping a learner practise %s. Chat naturally about whatever they bring up.\n", language)
	} else {
		fmt.Fprintf(&b, "You are %s. The learner is practising %s at %s level in the scenario %q.\n", sc.Role, language, sc.Level, sc.ID)
		if hint := strings.TrimSpace(sc.PromptHint); hint != "" {
			b.WriteString("Style: " + hint + "\n")
		}
		if len(sc.Goals) > 0 {
			b.WriteString("Steer the conversation so the learner can: " + strings.Join(sc.Goals, "; ") + ".\n")
		}
		if len(sc.Vocabulary) > 0 {
			b.WriteString("Try to use these words naturally: " + strings.Join(sc.Vocabulary, ", ") + ".\n")
		}
		if tpl, ok := pm.templates[sc.ID]; ok {
			b.WriteString(tpl.SystemPrompt + "\n")
			writeList(&b, "Role hints:", tpl.RoleHints)
			writeList(&b, "Coaching rules:", tpl.CoachRules)
		}
	}

	b.WriteString("\nStay in role. Reply in " + language + " with one to three short sentences and end with a question or prompt that keeps the learner talking. ")
	b.WriteString("Do not correct mistakes in the reply itself; corrections are handled separately.\n")
	fmt.Fprintf(&b, "Respond with a single JSON object and nothing else: {\"reply\": \"your reply in %s\", \"translation\": \"the reply translated into %s\"}", language, nativeLanguage)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(title + "\n- " + strings.Join(items, "\n- ") + "\n")
}

func (pm *PromptManager) loadDefaultTemplates() {
	pm.templates["cafe-order"] = &PromptTemplate{
		SystemPrompt: "The cafe is busy but you are never rushed with a learner.",
		RoleHints: []string{
			"mention today's specials when the learner hesitates",
			"confirm the order back before taking payment",
		},
		CoachRules: []string{
			"offer two or three concrete choices instead of open questions",
			"keep prices and sizes simple",
		},
	}

	pm.templates["job-interview"] = &PromptTemplate{
		SystemPrompt: "You are running a friendly but realistic first-round interview.",
		RoleHints: []string{
			"ask about one project at a time",
			"follow up when an answer lacks a concrete example",
		},
		CoachRules: []string{
			"use common behavioural interview phrasing",
			"near the end, invite the learner to ask you a question",
		},
	}

	pm.templates["travel-checkin"] = &PromptTemplate{
		SystemPrompt: "It is evening and the lobby is quiet.",
		RoleHints: []string{
			"ask for the name on the reservation first",
			"mention breakfast hours and the wifi password",
		},
		CoachRules: []string{
			"speak politely and a little formally",
			"if the learner asks for something unusual, offer an alternative",
		},
	}
}
