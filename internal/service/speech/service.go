package speech

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	speechmodel "github.com/zhouzirui/z-coach/backend/internal/model/speech"
)

var errConnect = errors.New("failed to connect to speech websocket")

const (
	defaultTimeout  = 30 * time.Second
	maxConnectTries = 3
)

// Service 语音服务：识别与合成，连接失败时做有限重试。
type Service struct {
	cfg speechmodel.Config
	asr *ASRClient
	tts *TTSClient

	// retry backoff, replaced in tests
	newBackOff func() backoff.BackOff
}

// NewService 创建语音服务实例。
func NewService(cfg speechmodel.Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Service{
		cfg: cfg,
		asr: NewASRClient(cfg),
		tts: NewTTSClient(cfg),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// Enabled 表示凭证是否齐全。
func (s *Service) Enabled() bool {
	return s.cfg.Enabled()
}

// Transcribe 语音转文字。
func (s *Service) Transcribe(ctx context.Context, req speechmodel.TranscribeRequest) (speechmodel.Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	return retryConnect(ctx, s.newBackOff(), func() (speechmodel.Transcript, error) {
		return s.asr.Transcribe(ctx, req)
	})
}

// Synthesize 文字转语音。
func (s *Service) Synthesize(ctx context.Context, req speechmodel.SynthesizeRequest) (speechmodel.Synthesis, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	return retryConnect(ctx, s.newBackOff(), func() (speechmodel.Synthesis, error) {
		return s.tts.Synthesize(ctx, req)
	})
}

// retryConnect 只重试建连失败，其余错误直接返回。
func retryConnect[T any](ctx context.Context, b backoff.BackOff, op func() (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryWithData(func() (T, error) {
		attempt++
		out, err := op()
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, errConnect) {
			return out, backoff.Permanent(err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("speech connect failed")
		return out, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxConnectTries-1), ctx))
}
