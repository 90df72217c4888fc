package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	speechmodel "github.com/zhouzirui/z-coach/backend/internal/model/speech"
)

const (
	DefaultASRURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"

	asrResourceDuration   = "volc.bigasr.sauc.duration"
	asrResourceConcurrent = "volc.bigasr.sauc.concurrent"

	// 16kHz, 16bit, mono, 200ms
	asrChunkSize = 6400
)

// ASRClient 火山引擎大模型流式识别客户端。
type ASRClient struct {
	cfg    speechmodel.Config
	dialer *websocket.Dialer
}

// NewASRClient 创建 ASR 客户端。
func NewASRClient(cfg speechmodel.Config) *ASRClient {
	if cfg.ASRURL == "" {
		cfg.ASRURL = DefaultASRURL
	}
	if cfg.ASRChunkInterval < 0 {
		cfg.ASRChunkInterval = 0
	}
	return &ASRClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
	}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

type asrResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

// Transcribe 将整段音频送入识别并返回最终文本。
func (c *ASRClient) Transcribe(ctx context.Context, req speechmodel.TranscribeRequest) (speechmodel.Transcript, error) {
	if len(req.Audio) == 0 {
		return speechmodel.Transcript{}, fmt.Errorf("no audio data to send")
	}
	if req.ConnectID == "" {
		req.ConnectID = uuid.NewString()
	}

	resourceID := asrResourceDuration
	if c.cfg.ConcurrentMode {
		resourceID = asrResourceConcurrent
	}
	header := http.Header{}
	header.Set("X-Api-App-Key", c.cfg.AppID)
	header.Set("X-Api-Access-Key", c.cfg.AccessToken)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", req.ConnectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.ASRURL, header)
	if err != nil {
		return speechmodel.Transcript{}, fmt.Errorf("%w: ASR: %w", errConnect, err)
	}
	defer conn.Close()

	logID := resp.Header.Get("X-Tt-Logid")
	logger := log.With().Str("component", "asr").Str("connect_id", req.ConnectID).Str("logid", logID).Logger()
	logger.Debug().Int("audio_bytes", len(req.Audio)).Msg("asr connected")

	payload, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return speechmodel.Transcript{}, fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	if err := writeFrame(conn, payload, newClientRequest); err != nil {
		return speechmodel.Transcript{}, fmt.Errorf("failed to send ASR request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 接收与发送并发进行，服务端提前报错时可以及时停止发送
	type result struct {
		transcript speechmodel.Transcript
		err        error
	}
	recvCh := make(chan result, 1)
	go func() {
		t, err := c.receive(ctx, conn)
		recvCh <- result{t, err}
	}()
	sendCh := make(chan error, 1)
	go func() {
		sendCh <- c.sendAudio(ctx, conn, req.Audio)
	}()

	for {
		select {
		case err := <-sendCh:
			if err != nil {
				return speechmodel.Transcript{}, fmt.Errorf("failed to send audio data: %w", err)
			}
			sendCh = nil
		case r := <-recvCh:
			if r.err != nil {
				return speechmodel.Transcript{}, r.err
			}
			r.transcript.LogID = logID
			if r.transcript.Text == "" {
				logger.Warn().Msg("empty transcript")
			}
			return r.transcript, nil
		case <-ctx.Done():
			// unblock the reader
			_ = conn.Close()
			return speechmodel.Transcript{}, ctx.Err()
		}
	}
}

func (c *ASRClient) buildRequest(req speechmodel.TranscribeRequest) *asrRequest {
	r := &asrRequest{}
	r.User.UID = req.ConnectID

	r.Audio.Format = firstNonEmpty(req.Format, "wav")
	r.Audio.Language = firstNonEmpty(req.Language, c.cfg.ASRLanguage, "en-US")
	r.Audio.Codec = "raw"
	r.Audio.Rate = 16000
	r.Audio.Bits = 16
	r.Audio.Channel = 1

	r.Request.ModelName = "bigmodel"
	r.Request.EnableITN = true
	r.Request.EnablePunc = true
	r.Request.ShowUtterances = true
	r.Request.ResultType = "full"
	r.Request.EndWindowSize = 800
	return r
}

// sendAudio 分包发送，FullClientRequest 占用序号 1，音频从 2 开始。
func (c *ASRClient) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	sequence := int32(2)
	for i := 0; i < len(audio); i += asrChunkSize {
		end := min(i+asrChunkSize, len(audio))
		last := end >= len(audio)

		chunk, err := gzipBytes(audio[i:end])
		if err != nil {
			return err
		}
		data, err := newAudioRequest(chunk, sequence, last).MarshalBinary()
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}
		if last {
			return nil
		}
		sequence++

		if c.cfg.ASRChunkInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.ASRChunkInterval):
			}
		}
	}
	return nil
}

func (c *ASRClient) receive(ctx context.Context, conn *websocket.Conn) (speechmodel.Transcript, error) {
	var out speechmodel.Transcript
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return out, fmt.Errorf("failed to read ASR response: %w", err)
		}
		frame, err := ReadFrame(bytes.NewReader(data))
		if err != nil {
			return out, fmt.Errorf("failed to decode ASR message: %w", err)
		}

		switch frame.Type {
		case ErrorMessage:
			payload, _ := frame.DecodePayload()
			return out, fmt.Errorf("ASR error %d: %s", frame.ErrorCode, string(payload))

		case FullServerResponse:
			payload, err := frame.DecodePayload()
			if err != nil {
				return out, fmt.Errorf("failed to decompress ASR payload: %w", err)
			}
			var msg asrResponse
			if err := json.Unmarshal(payload, &msg); err != nil {
				log.Debug().Err(err).Msg("asr: skip undecodable response")
				continue
			}
			if msg.Code != 0 && msg.Code != 20000000 {
				return out, fmt.Errorf("ASR API error %d: %s", msg.Code, msg.Message)
			}

			text := msg.Result.Text
			if text == "" && len(msg.Result.Utterances) > 0 {
				text = joinUtterances(msg.Result.Utterances)
			}
			if text != "" {
				out.Text = text
			}
			if msg.AudioInfo.Duration > 0 {
				out.DurationMs = msg.AudioInfo.Duration
			}
			if frame.Last() || msg.Sequence < 0 {
				return out, nil
			}
		}
	}
}

func joinUtterances(utterances []asrUtterance) string {
	parts := make([]string, 0, len(utterances))
	for _, u := range utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// writeFrame gzips payload and sends it as a client request.
func writeFrame(conn *websocket.Conn, payload []byte, build func([]byte, Compression) *Frame) error {
	compressed, err := gzipBytes(payload)
	if err != nil {
		return err
	}
	data, err := build(compressed, CompressionGzip).MarshalBinary()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
