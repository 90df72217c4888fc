package scenario

// Scenario 描述一个口语练习场景，教练会以场景中的角色与用户对话。
type Scenario struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Role        string   `json:"role"`
	Language    string   `json:"language"`
	Level       string   `json:"level"`
	PromptHint  string   `json:"promptHint"`
	OpeningLine string   `json:"openingLine"`
	VoiceID     string   `json:"voiceId,omitempty"`
	Description string   `json:"description,omitempty"`
	Goals       []string `json:"goals,omitempty"`
	Vocabulary  []string `json:"vocabulary,omitempty"`
}

// Seed provides the built-in practice scenarios.
func Seed() []Scenario {
	return []Scenario{
		{
			ID:          "cafe-order",
			Title:       "咖啡店点单",
			Role:        "a friendly barista at a busy neighbourhood cafe",
			Language:    "en-US",
			Level:       "beginner",
			PromptHint:  "Keep sentences short, offer choices, and ask one question at a time.",
			OpeningLine: "Hi there! What can I get started for you today?",
			VoiceID:     "en_default",
			Description: "练习点饮品、询问价格与定制口味。",
			Goals:       []string{"order a drink", "ask about sizes", "pay and say thanks"},
			Vocabulary:  []string{"latte", "oat milk", "to go", "receipt"},
		},
		{
			ID:          "job-interview",
			Title:       "英文面试",
			Role:        "a calm hiring manager interviewing for a software role",
			Language:    "en-US",
			Level:       "intermediate",
			PromptHint:  "Ask behavioural questions and follow up on vague answers.",
			OpeningLine: "Thanks for joining today. Could you start by telling me a little about yourself?",
			VoiceID:     "en_male_glen_emo_v2_mars_bigtts",
			Description: "练习自我介绍、项目经历与行为面试问题。",
			Goals:       []string{"introduce yourself", "describe a project", "ask the interviewer a question"},
			Vocabulary:  []string{"stakeholder", "trade-off", "deadline", "ownership"},
		},
		{
			ID:          "travel-checkin",
			Title:       "酒店入住",
			Role:        "a front-desk receptionist at a city hotel",
			Language:    "en-US",
			Level:       "beginner",
			PromptHint:  "Confirm details politely and introduce hotel services.",
			OpeningLine: "Good evening and welcome! Do you have a reservation with us?",
			VoiceID:     "en_female_skye_emo_v2_mars_bigtts",
			Description: "练习办理入住、询问早餐时间与退房安排。",
			Goals:       []string{"confirm a booking", "ask about breakfast", "request a late checkout"},
			Vocabulary:  []string{"reservation", "key card", "checkout", "amenities"},
		},
	}
}
