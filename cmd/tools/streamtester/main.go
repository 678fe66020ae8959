package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/app"
	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/logging"
	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

func main() {
	envErr := godotenv.Load()

	backend := flag.String("backend", "", "推理后端: remote, local 或 ark，默认使用配置")
	model := flag.String("model", "", "模型 ID，默认使用配置中的 INFERENCE_MODEL")
	text := flag.String("text", "", "发送给模型的用户消息")
	system := flag.String("system", prompt.DefaultSystemPrompt, "系统提示词")
	cancelAfter := flag.Int("cancel-after", 0, "收到 N 个片段后取消，0 表示不取消")
	timeout := flag.Duration("timeout", 2*time.Minute, "加载与生成的总超时时间")

	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("配置加载失败")
	}
	logging.Init(cfg.Log.Level, "console")
	if envErr != nil {
		log.Warn().Err(envErr).Msg("无法加载 .env，改用系统环境变量")
	}

	if strings.TrimSpace(*text) == "" {
		flag.Usage()
		log.Fatal().Msg("请通过 -text 提供用户消息")
	}
	if *backend != "" {
		cfg.Inference.Backend = *backend
	}
	if *model != "" {
		cfg.Inference.Model = *model
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	gateway, err := app.GatewayFactory(cfg)()
	if err != nil {
		log.Fatal().Err(err).Msg("创建推理网关失败")
	}
	defer gateway.Close()

	if err := prepare(ctx, gateway, cfg.Inference.Model); err != nil {
		log.Fatal().Err(err).Str("model", cfg.Inference.Model).Msg("模型加载失败")
	}

	entries := []prompt.Entry{
		{Role: chat.RoleSystem, Content: *system},
		{Role: chat.RoleUser, Content: *text},
	}
	opts := inference.Options{Temperature: cfg.Inference.Temperature, MaxTokens: cfg.Inference.MaxTokens}

	started := time.Now()
	stream, err := gateway.Generate(ctx, entries, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("生成请求失败")
	}

	var (
		fragments int
		firstAt   time.Duration
	)
	for {
		delta, ok := stream.Next(ctx)
		if !ok {
			log.Fatal().Msg("流在终止片段之前关闭")
		}
		if delta.Text != "" {
			if fragments == 0 {
				firstAt = time.Since(started)
			}
			fragments++
			fmt.Fprint(os.Stdout, delta.Text)
			if *cancelAfter > 0 && fragments == *cancelAfter {
				gateway.Cancel(stream)
			}
		}
		if delta.Terminal() {
			fmt.Fprintln(os.Stdout)
			if delta.Err != nil {
				log.Error().Err(delta.Err).Int("fragments", fragments).Msg("生成结束（错误）")
				os.Exit(1)
			}
			log.Info().
				Int("fragments", fragments).
				Dur("first_fragment", firstAt).
				Dur("total", time.Since(started)).
				Int("final_runes", len([]rune(delta.Final))).
				Msg("生成完成")
			return
		}
	}
}

func prepare(ctx context.Context, gateway inference.Gateway, model string) error {
	progress, err := gateway.Prepare(ctx, model)
	if err != nil {
		return err
	}
	for p := range progress {
		if p.Err != nil {
			return p.Err
		}
		log.Info().Str("model", model).Float64("progress", p.Fraction).Str("label", p.Label).Msg("加载中")
	}
	return nil
}
