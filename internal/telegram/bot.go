// Package telegram answers photos sent to a Telegram bot with a detection
// verdict and, for the saliency variant, the overlay image.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"github.com/Brownie44l1/deepfake-api/internal/logger"
	"github.com/Brownie44l1/deepfake-api/internal/overlay"
	"github.com/Brownie44l1/deepfake-api/internal/pipeline"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// API is the subset of *tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

type Analyzer interface {
	Variant() pipeline.Variant
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

type Bot struct {
	api      API
	analyzer Analyzer
	log      logger.Logger
	client   *http.Client
	maxBytes int64
}

func New(api API, analyzer Analyzer, maxBytes int64, log logger.Logger) *Bot {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Bot{
		api:      api,
		analyzer: analyzer,
		log:      log,
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: maxBytes,
	}
}

const helpText = "Send a photo (JPEG or PNG) and I will tell you whether it looks real or fake."

func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	cid := msg.Chat.ID

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			b.send(cid, helpText)
		default:
			b.send(cid, "Unknown command. "+helpText)
		}
		return
	}

	fileID := imageFileID(msg)
	if fileID == "" {
		b.send(cid, helpText)
		return
	}

	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		b.sendError(cid, err)
		return
	}
	raw, err := b.download(ctx, url)
	if err != nil {
		b.sendError(cid, err)
		return
	}

	res, err := b.analyzer.Run(ctx, pipeline.Input{Bytes: raw})
	if err != nil {
		b.sendError(cid, err)
		return
	}

	reply := tgbotapi.NewMessage(cid, verdictText(res))
	reply.ReplyToMessageID = msg.MessageID
	if _, err := b.api.Send(reply); err != nil {
		b.log.Error("telegram", err, map[string]interface{}{"chat_id": cid})
		return
	}

	if res.Overlay == nil {
		return
	}
	var buf bytes.Buffer
	if err := overlay.Encode(&buf, res.Overlay, ".png"); err != nil {
		b.log.Error("telegram", err, map[string]interface{}{"chat_id": cid})
		return
	}
	photo := tgbotapi.NewPhoto(cid, tgbotapi.FileBytes{Name: "overlay.png", Bytes: buf.Bytes()})
	photo.Caption = "Red: suspicious regions"
	if _, err := b.api.Send(photo); err != nil {
		b.log.Error("telegram", err, map[string]interface{}{"chat_id": cid})
	}
}

// imageFileID picks the largest photo size, or an image document.
func imageFileID(msg *tgbotapi.Message) string {
	if n := len(msg.Photo); n > 0 {
		return msg.Photo[n-1].FileID
	}
	if d := msg.Document; d != nil {
		switch strings.ToLower(d.MimeType) {
		case "image/jpeg", "image/jpg", "image/png":
			return d.FileID
		}
	}
	return ""
}

func (b *Bot) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download photo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download photo: status %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download photo: %w", err)
	}
	if int64(len(raw)) > b.maxBytes {
		return nil, fmt.Errorf("photo exceeds %d bytes", b.maxBytes)
	}
	return raw, nil
}

func verdictText(res *pipeline.Result) string {
	var sb strings.Builder
	switch res.Variant {
	case pipeline.VariantSaliency:
		fmt.Fprintf(&sb, "Verdict: %s\n", res.Label)
		fmt.Fprintf(&sb, "Suspicious area: %.1f%%\n", res.SuspiciousAreaPercentage)
		fmt.Fprintf(&sb, "Classifier confidence: %.1f%% (heuristic: %s)", res.Confidence*100, res.HeuristicLabel)
	default:
		fmt.Fprintf(&sb, "Verdict: %s\nConfidence: %.1f%%", res.Label, res.Confidence)
	}
	return sb.String()
}

func (b *Bot) send(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Error("telegram", err, map[string]interface{}{"chat_id": chatID})
	}
}

func (b *Bot) sendError(chatID int64, err error) {
	var text string
	switch failure.KindOf(err) {
	case failure.KindDecode:
		text = "I could not read that image. Please send a JPEG or PNG."
	default:
		text = "Something went wrong while analyzing the image, please try again."
	}
	b.log.Warning("telegram", "request failed", map[string]interface{}{"chat_id": chatID, "error": err.Error()})
	b.send(chatID, text)
}

var reRetryAfter = regexp.MustCompile(`(?i)retry after\s+(\d+)`)

func retryDelayFromError(err error) time.Duration {
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "too many requests") {
		if m := reRetryAfter.FindStringSubmatch(s); len(m) == 2 {
			if n, _ := strconv.Atoi(m[1]); n > 0 {
				return time.Duration(n) * time.Second
			}
		}
		return 3 * time.Second
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 2 * time.Second
	}
	return time.Second
}

// Poll long-polls for updates until ctx is done. Errors back off and retry.
func (b *Bot) Poll(ctx context.Context) {
	const maxDelay = 15 * time.Second
	offset := 0

	for {
		select {
		case <-ctx.Done():
			b.log.Info("telegram", "polling stopped", nil)
			return
		default:
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = 30

		updates, err := b.api.GetUpdates(u)
		if err != nil {
			d := retryDelayFromError(err)
			if d > maxDelay {
				d = maxDelay
			}
			b.log.Warning("telegram", "polling error", map[string]interface{}{"error": err.Error(), "retry_in": d.String()})
			sleep(ctx, d)
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			b.HandleUpdate(ctx, upd)
		}
		if len(updates) == 0 {
			sleep(ctx, 200*time.Millisecond)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
