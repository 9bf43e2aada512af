package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/bus"
	"github.com/lexiqai/voice-assistant/internal/capture"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/playback"
	"github.com/lexiqai/voice-assistant/internal/segment"
)

const ctrlC = 0x03

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.WithComponent("client")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Client stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	format := audio.DefaultFormat()

	b, err := bus.New(ctx, cfg, "")
	if err != nil {
		return fmt.Errorf("failed to connect to message bus: %w", err)
	}
	defer b.Close()

	speaker, err := playback.NewOtoDevice(format, time.Duration(cfg.PlaybackDrainTimeoutMs)*time.Millisecond)
	if err != nil {
		return err
	}
	player := playback.NewBuffer(speaker, playback.BufferConfigFrom(cfg), logger.With().Str("component", "playback").Logger())
	player.SetCloseHandler(func() { say("[reply finished]") })

	if err := subscribeReplies(ctx, b, player, logger); err != nil {
		return err
	}

	ptt := capture.NewPushToTalk(cfg, b, logger.With().Str("component", "capture").Logger())
	mic, frames, err := openMicrophone(format, cfg.AudioChunkFrames, logger)
	if err != nil {
		return err
	}
	defer mic.close()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer func() { _ = term.Restore(fd, oldState) }()
		}
	}
	say("Press SPACE to start or stop talking, q to quit.")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case pcm := <-frames:
				if err := ptt.Feed(gctx, pcm); err != nil {
					logger.Error().Err(err).Msg("Failed to publish audio chunk")
				}
			}
		}
	})

	keys := readKeys()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ptt.AutoStopped:
				say("[silence, sent]")
			case key, ok := <-keys:
				if !ok {
					return context.Canceled
				}
				switch key {
				case ' ':
					if ptt.Recording() {
						if err := ptt.End(gctx); err != nil {
							logger.Error().Err(err).Msg("Failed to end capture")
						}
						say("[sent]")
						continue
					}
					player.OnClose()
					ptt.Begin()
					say("[recording...]")
				case 'q', ctrlC:
					if err := ptt.End(gctx); err != nil {
						logger.Warn().Err(err).Msg("Failed to end capture on exit")
					}
					return context.Canceled
				}
			}
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	player.OnClose()
	return nil
}

// subscribeReplies routes both reply topics into the playback buffer, which owns the speaker
func subscribeReplies(ctx context.Context, b bus.Bus, player *playback.Buffer, logger zerolog.Logger) error {
	if err := b.Subscribe(ctx, bus.TopicResponseStream, func(topic string, payload []byte) {
		msg, err := segment.DecodeMessage(payload)
		if err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed reply segment")
			return
		}
		if msg.Text != "" {
			say(fmt.Sprintf("assistant: %s", msg.Text))
		}
		player.OnSegment(msg)
	}); err != nil {
		return err
	}

	// A single-shot reply plays as a one-segment reply of its own
	return b.Subscribe(ctx, bus.TopicResponse, func(topic string, payload []byte) {
		player.OnSegment(segment.AudioSegmentMessage{
			IsFinal:   true,
			AudioData: payload,
			SegmentID: 1,
			TurnID:    uuid.NewString(),
		})
	})
}

type microphone struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func (m *microphone) close() {
	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
	}
	_ = m.ctx.Uninit()
	m.ctx.Free()
}

// openMicrophone starts capturing in periods of chunkFrames. Periods the
// reader falls behind on are dropped.
func openMicrophone(format audio.Format, chunkFrames int, logger zerolog.Logger) (*microphone, <-chan []byte, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	m := &microphone{ctx: mctx}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(chunkFrames)

	frames := make(chan []byte, 64)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			select {
			case frames <- append([]byte(nil), input...):
			default:
				logger.Warn().Int("bytes", len(input)).Msg("Capture backlog full, dropping audio")
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		m.close()
		return nil, nil, fmt.Errorf("failed to init microphone: %w", err)
	}
	m.device = device
	if err := device.Start(); err != nil {
		m.close()
		return nil, nil, fmt.Errorf("failed to start microphone: %w", err)
	}
	return m, frames, nil
}

// readKeys delivers single key presses from stdin
func readKeys() <-chan byte {
	keys := make(chan byte)
	go func() {
		defer close(keys)
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n == 1 {
				keys <- buf[0]
			}
		}
	}()
	return keys
}

// say prints a line that stays readable with the terminal in raw mode
func say(line string) {
	fmt.Print(line + "\r\n")
}
