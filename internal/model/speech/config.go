package speech

import "time"

// Config 火山引擎语音服务配置。
type Config struct {
	AppID       string
	AccessToken string
	// ConcurrentMode 选择 ASR 并发版资源，默认小时版。
	ConcurrentMode bool

	ASRURL      string
	ASRLanguage string
	// ASRChunkInterval paces audio packets; the nostream endpoint expects
	// roughly real-time delivery.
	ASRChunkInterval time.Duration

	TTSURL      string
	TTSVoice    string
	TTSSpeed    float32
	TTSVolume   float32
	TTSLanguage string
	TTSFormat   string

	Timeout time.Duration
}

// Enabled 表示是否提供了必需的凭证。
func (c Config) Enabled() bool {
	return c.AppID != "" && c.AccessToken != ""
}
