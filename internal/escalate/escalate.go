// Package escalate surfaces tasks the engine gave up on. One escalation
// record is built per unresolved task and handed to every configured
// channel; a channel that errors or panics is recorded and skipped, never
// allowed to take the engine or the remaining channels down with it.
package escalate

import (
	"context"
	"fmt"
	"time"

	"github.com/mendcore/mend/internal/config"
	"github.com/mendcore/mend/internal/logging"
	"github.com/mendcore/mend/internal/model"
)

// Channel delivers an escalation record to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, record model.EscalationRecord) error
}

type Escalator struct {
	channels []Channel
	log      *logging.Logger
}

func New(channels []Channel, log *logging.Logger) *Escalator {
	if log == nil {
		log = logging.Nop()
	}
	return &Escalator{channels: channels, log: log}
}

// ChannelsFrom builds the configured channel list. Unknown channel types
// are skipped with a warning rather than failing startup.
func ChannelsFrom(cfg config.EscalationConfig, mendDir string, log *logging.Logger) []Channel {
	if log == nil {
		log = logging.Nop()
	}
	var channels []Channel
	for _, ch := range cfg.Channels {
		switch ch.Type {
		case "file":
			channels = append(channels, NewFileChannel(config.EscalationsDir(mendDir)))
		case "webhook":
			if ch.URL == "" {
				log.Warn("webhook escalation channel missing url, skipped")
				continue
			}
			channels = append(channels, NewWebhookChannel(ch.URL, ch.Timeout()))
		case "desktop":
			channels = append(channels, NewDesktopChannel())
		case "command":
			if len(ch.Command) == 0 {
				log.Warn("command escalation channel missing command, skipped")
				continue
			}
			channels = append(channels, NewCommandChannel(ch.Command, ch.Timeout()))
		default:
			log.Warn("unknown escalation channel type %q, skipped", ch.Type)
		}
	}
	return channels
}

// Escalate builds the record for task and delivers it to every channel in
// order. It never returns an error: per-channel outcomes are embedded in
// the returned record, and the caller persists that record exactly once.
func (e *Escalator) Escalate(ctx context.Context, task model.Task, result model.FixResult) model.EscalationRecord {
	id, err := model.GenerateID(model.IDTypeEscalation)
	if err != nil {
		id = fmt.Sprintf("esc_%010d_fallback", time.Now().Unix())
		e.log.Error("generate escalation id: %v", err)
	}

	record := model.EscalationRecord{
		ID:        id,
		TaskID:    task.ID,
		Subject:   task.Subject,
		Reason:    result.FailureReason,
		Attempts:  result.Attempts,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	for _, ch := range e.channels {
		outcome := model.ChannelOutcome{Name: ch.Name()}
		if err := e.deliver(ctx, ch, record); err != nil {
			outcome.Error = err.Error()
			e.log.Error("escalation %s channel %s: %v", record.ID, ch.Name(), err)
		} else {
			outcome.Delivered = true
			e.log.Info("escalation %s delivered via %s", record.ID, ch.Name())
		}
		record.Channels = append(record.Channels, outcome)
	}
	return record
}

// deliver isolates one channel call, converting panics into errors so a
// misbehaving channel cannot abort the delivery loop.
func (e *Escalator) deliver(ctx context.Context, ch Channel, record model.EscalationRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()
	return ch.Deliver(ctx, record)
}
