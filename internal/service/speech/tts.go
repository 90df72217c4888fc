package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	speechmodel "github.com/zhouzirui/z-coach/backend/internal/model/speech"
)

const DefaultTTSURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// TTSClient 火山引擎单向流式语音合成客户端。
type TTSClient struct {
	cfg    speechmodel.Config
	dialer *websocket.Dialer
}

// NewTTSClient 创建 TTS 客户端。
func NewTTSClient(cfg speechmodel.Config) *TTSClient {
	if cfg.TTSURL == "" {
		cfg.TTSURL = DefaultTTSURL
	}
	return &TTSClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
	}
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

type ttsResponse struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition"`
}

// Synthesize 合成一段语音。音色与资源 ID 不匹配时按候选依次重试。
func (c *TTSClient) Synthesize(ctx context.Context, req speechmodel.SynthesizeRequest) (speechmodel.Synthesis, error) {
	if strings.TrimSpace(req.Text) == "" {
		return speechmodel.Synthesis{}, fmt.Errorf("TTS text is empty")
	}

	format := firstNonEmpty(req.Format, c.cfg.TTSFormat, "mp3")
	// 流式接口不支持 wav
	if format == "wav" {
		format = "mp3"
	}

	speakers := speakerCandidates(req.Voice, c.cfg.TTSVoice)
	var lastMismatch error
	for _, speaker := range speakers {
		for _, resourceID := range resourceCandidates(speaker) {
			out, err := c.synthesize(ctx, req, speaker, format, resourceID)
			if err == nil {
				return out, nil
			}
			if !isResourceMismatch(err) {
				return speechmodel.Synthesis{}, err
			}
			log.Debug().Err(err).Str("voice", speaker).Str("resource", resourceID).Msg("tts resource mismatch, trying next")
			lastMismatch = err
		}
	}
	if lastMismatch != nil {
		return speechmodel.Synthesis{}, lastMismatch
	}
	return speechmodel.Synthesis{}, fmt.Errorf("TTS synthesis failed for voice candidates %v", speakers)
}

func (c *TTSClient) synthesize(ctx context.Context, req speechmodel.SynthesizeRequest, speaker, format, resourceID string) (speechmodel.Synthesis, error) {
	connectID := uuid.NewString()

	header := http.Header{}
	header.Set("X-Api-App-Key", c.cfg.AppID)
	header.Set("X-Api-Access-Key", c.cfg.AccessToken)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.TTSURL, header)
	if err != nil {
		return speechmodel.Synthesis{}, fmt.Errorf("%w: TTS: %w", errConnect, err)
	}
	defer conn.Close()

	// 读取阻塞在 conn 上，ctx 取消时关闭连接
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	payload, err := json.Marshal(c.buildRequest(req, connectID, speaker, format))
	if err != nil {
		return speechmodel.Synthesis{}, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	data, err := newClientRequest(payload, CompressionNone).MarshalBinary()
	if err != nil {
		return speechmodel.Synthesis{}, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return speechmodel.Synthesis{}, fmt.Errorf("failed to send TTS request: %w", err)
	}

	var (
		audio    bytes.Buffer
		reqID    string
		duration int64
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return speechmodel.Synthesis{}, ctx.Err()
			}
			return speechmodel.Synthesis{}, fmt.Errorf("failed to read TTS response: %w", err)
		}
		frame, err := ReadFrame(bytes.NewReader(data))
		if err != nil {
			return speechmodel.Synthesis{}, fmt.Errorf("failed to decode TTS message: %w", err)
		}
		payload, err := frame.DecodePayload()
		if err != nil {
			return speechmodel.Synthesis{}, fmt.Errorf("failed to decompress TTS payload: %w", err)
		}

		var seq int
		switch frame.Type {
		case ErrorMessage:
			return speechmodel.Synthesis{}, fmt.Errorf("TTS error %d: %s", frame.ErrorCode, string(payload))

		case AudioOnlyServerResponse:
			audio.Write(payload)

		case FullServerResponse:
			if len(payload) > 0 {
				var msg ttsResponse
				if err := json.Unmarshal(payload, &msg); err != nil {
					log.Debug().Err(err).Msg("tts: skip undecodable response")
					break
				}
				if msg.Code != 0 && msg.Code != 3000 {
					return speechmodel.Synthesis{}, fmt.Errorf("TTS API error %d: %s", msg.Code, msg.Message)
				}
				if msg.ReqID != "" {
					reqID = msg.ReqID
				}
				if d, err := strconv.ParseInt(msg.Addition.Duration, 10, 64); err == nil {
					duration = d
				}
				if msg.Data != "" {
					chunk, err := base64.StdEncoding.DecodeString(msg.Data)
					if err != nil {
						return speechmodel.Synthesis{}, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
					}
					audio.Write(chunk)
				}
				seq = msg.Sequence
			}
		}

		finished := (frame.hasEvent() && frame.Event == EventSessionFinished) || frame.Last() || seq < 0
		if !finished {
			continue
		}
		if audio.Len() == 0 {
			return speechmodel.Synthesis{}, fmt.Errorf("TTS audio is empty")
		}
		return speechmodel.Synthesis{
			Audio:      audio.Bytes(),
			Format:     format,
			DurationMs: duration,
			Voice:      speaker,
			RequestID:  firstNonEmpty(reqID, connectID),
		}, nil
	}
}

func (c *TTSClient) buildRequest(req speechmodel.SynthesizeRequest, uid, speaker, format string) *ttsRequest {
	r := &ttsRequest{}
	r.User.UID = uid
	r.ReqParams.Speaker = speaker
	r.ReqParams.Text = req.Text
	r.ReqParams.Language = firstNonEmpty(req.Language, c.cfg.TTSLanguage)
	r.ReqParams.AudioParams.Format = format
	r.ReqParams.AudioParams.SampleRate = 24000

	speed := req.Speed
	if speed <= 0 {
		speed = c.cfg.TTSSpeed
	}
	if speed > 0 && speed != 1.0 {
		r.ReqParams.AudioParams.SpeedRatio = speed
	}
	volume := req.Volume
	if volume <= 0 {
		volume = c.cfg.TTSVolume
	}
	if volume > 0 && volume != 1.0 {
		r.ReqParams.AudioParams.VolumeRatio = volume
	}
	return r
}
