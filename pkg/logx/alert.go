package logx

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

// alertSink forwards log lines at or above a minimum level to a Telegram
// chat. Sends happen on a single worker goroutine fed by a bounded queue,
// so a slow or down Telegram API never blocks logging.
type alertSink struct {
	bot *tele.Bot

	queue chan string
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter
}

func newAlertSink(cfg AlertConfig) (*alertSink, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token missing")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id missing")
	}

	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: false})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}

	a := &alertSink{
		bot:   bot,
		queue: make(chan string, 64),
		done:  make(chan struct{}),
	}
	a.reconfigure(cfg)

	a.wg.Add(1)
	go a.worker()
	return a, nil
}

func (a *alertSink) reconfigure(cfg AlertConfig) {
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 10
	}
	a.mu.Lock()
	a.chatID = cfg.ChatID
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	a.mu.Unlock()
}

func (a *alertSink) close() {
	close(a.done)
	a.wg.Wait()
}

func (a *alertSink) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case msg := <-a.queue:
			a.mu.Lock()
			chatID := a.chatID
			a.mu.Unlock()
			if chatID == 0 {
				continue
			}
			_, _ = a.bot.Send(tele.ChatID(chatID), msg, &tele.SendOptions{DisableWebPagePreview: true})
		}
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	// Default to info when WriteLevel isn't used.
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	min := a.minLevel
	lim := a.limiter
	a.mu.Unlock()

	if level < min || lim == nil || !lim.Allow() {
		return len(p), nil
	}

	msg := formatAlertLine(p)
	if msg == "" {
		return len(p), nil
	}

	// Never block core logging.
	select {
	case a.queue <- msg:
	default:
		// drop
	}
	return len(p), nil
}

// formatAlertLine turns one zerolog JSON line into a readable chat message.
func formatAlertLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	for k, v := range m {
		switch k {
		case "time", "level", "message", "msg", "caller":
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(v), 600))
	}

	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

var _ zerolog.LevelWriter = (*alertSink)(nil)
