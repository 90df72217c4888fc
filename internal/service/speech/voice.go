package speech

import "strings"

const (
	ttsResourceDefault = "volc.service_type.10029"
	ttsResourceMega    = "volc.megatts.default"
	ttsResourceSeed    = "seed-tts-2.0"

	// DefaultVoice 英文默认音色。
	DefaultVoice = "en_female_amy_jupiter_bigtts"
)

// 场景里使用的简写音色名
var voiceAliases = map[string]string{
	"en_default":        DefaultVoice,
	"en_female_default": DefaultVoice,
	"en_male_default":   "en_male_glen_emo_v2_mars_bigtts",
	"barista":           DefaultVoice,
	"interviewer":       "en_male_glen_emo_v2_mars_bigtts",
	"receptionist":      "en_female_skye_emo_v2_mars_bigtts",
}

var seedVoiceHints = []string{
	"bigtts", "seed", "megatts", "uranus", "venus",
	"jupiter", "saturn", "neptune", "mercury", "pluto", "mars",
}

// resourceCandidates 按音色推断可用的资源 ID，首个失败时依次回退。
func resourceCandidates(voice string) []string {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{ttsResourceDefault, ttsResourceSeed}
	}
	// 复刻音色
	if strings.HasPrefix(voice, "S_") {
		return []string{ttsResourceMega}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range seedVoiceHints {
		if strings.Contains(normalized, hint) {
			return []string{ttsResourceSeed, ttsResourceDefault}
		}
	}
	return []string{ttsResourceDefault, ttsResourceSeed}
}

// speakerCandidates 返回去重后的音色列表：请求音色、配置音色、默认音色。
func speakerCandidates(requested, configured string) []string {
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if mapped, ok := voiceAliases[strings.ToLower(s)]; ok {
			s = mapped
		}
		for _, existing := range out {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		out = append(out, s)
	}

	add(requested)
	add(configured)
	add(DefaultVoice)
	return out
}

func isResourceMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}
