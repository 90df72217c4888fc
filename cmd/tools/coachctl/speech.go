package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-coach/backend/internal/config"
	speechmodel "github.com/zhouzirui/z-coach/backend/internal/model/speech"
	"github.com/zhouzirui/z-coach/backend/internal/service/speech"
)

// newSpeechCmd 直接调用语音服务，用于排查 ASR/TTS 凭证与音色配置。
func newSpeechCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "speech",
		Short: "Call the speech providers directly with the server configuration",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "speech-timeout", 45*time.Second, "请求超时时间")

	load := func() (*config.Config, *speech.Service, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("配置加载失败: %w", err)
		}
		if !cfg.Speech.Enabled() {
			return nil, nil, fmt.Errorf("语音服务未启用，请先配置 SPEECH_APP_ID 与 SPEECH_ACCESS_TOKEN")
		}
		sc := cfg.Speech.Config
		sc.Timeout = timeout
		return cfg, speech.NewService(sc), nil
	}

	var format, language string
	asr := &cobra.Command{
		Use:   "asr <audio-file>",
		Short: "Transcribe an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, err := load()
			if err != nil {
				return err
			}
			return runASR(cmd.Context(), svc, cfg, args[0], format, language)
		},
	}
	asr.Flags().StringVar(&format, "format", "", "输入格式，默认取文件扩展名")
	asr.Flags().StringVar(&language, "lang", "", "语言代码，默认使用配置")

	var voice, out string
	tts := &cobra.Command{
		Use:   "tts <text>",
		Short: "Synthesize text into an audio file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, err := load()
			if err != nil {
				return err
			}
			return runTTS(cmd.Context(), svc, cfg, args[0], voice, format, language, out)
		},
	}
	tts.Flags().StringVar(&voice, "voice", "", "音色 ID 或别名，默认使用配置")
	tts.Flags().StringVar(&format, "format", "", "输出格式，默认使用配置")
	tts.Flags().StringVar(&language, "lang", "", "语言代码，默认使用配置")
	tts.Flags().StringVar(&out, "out", "", "输出文件路径，默认按时间生成")

	cmd.AddCommand(asr, tts)
	return cmd
}

func runASR(ctx context.Context, svc *speech.Service, cfg *config.Config, path, format, language string) error {
	audio, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取音频文件失败: %w", err)
	}
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		if format == "" {
			format = "wav"
		}
	}
	if language == "" {
		language = cfg.Speech.ASRLanguage
	}

	log.Info().Str("format", format).Str("language", language).Int("bytes", len(audio)).Msg("开始 ASR")
	res, err := svc.Transcribe(ctx, speechmodel.TranscribeRequest{
		Audio:    audio,
		Format:   format,
		Language: language,
	})
	if err != nil {
		return fmt.Errorf("ASR 调用失败: %w", err)
	}
	log.Info().Int64("duration_ms", res.DurationMs).Str("log_id", res.LogID).Msg("ASR 识别成功")
	fmt.Println(res.Text)
	return nil
}

func runTTS(ctx context.Context, svc *speech.Service, cfg *config.Config, text, voice, format, language, out string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("待合成文本为空")
	}
	if voice == "" {
		voice = cfg.Speech.TTSVoice
	}
	if language == "" {
		language = cfg.Speech.TTSLanguage
	}
	if format == "" {
		format = cfg.Speech.TTSFormat
	}

	log.Info().Str("voice", voice).Str("format", format).Msg("开始 TTS")
	res, err := svc.Synthesize(ctx, speechmodel.SynthesizeRequest{
		Text:     text,
		Voice:    voice,
		Language: language,
		Format:   format,
	})
	if err != nil {
		return fmt.Errorf("TTS 调用失败: %w", err)
	}

	if out == "" {
		out = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), res.Format)
	}
	if err := os.WriteFile(out, res.Audio, 0o644); err != nil {
		return fmt.Errorf("写入音频文件失败: %w", err)
	}
	log.Info().Str("file", out).Str("voice", res.Voice).Int64("duration_ms", res.DurationMs).Msg("TTS 合成成功")
	return nil
}
