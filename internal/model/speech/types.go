package speech

// TranscribeRequest 语音识别请求。
type TranscribeRequest struct {
	ConnectID string
	Audio     []byte
	Format    string // wav, pcm, mp3 ...
	Language  string
}

// Transcript 语音识别结果。
type Transcript struct {
	Text       string
	DurationMs int64
	LogID      string
}

// SynthesizeRequest 语音合成请求。
type SynthesizeRequest struct {
	Text     string
	Voice    string
	Language string
	Format   string
	Speed    float32
	Volume   float32
}

// Synthesis 语音合成结果。
type Synthesis struct {
	Audio      []byte
	Format     string
	DurationMs int64
	Voice      string
	RequestID  string
}
