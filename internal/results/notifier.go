package results

import (
	"context"
	"fmt"
	"strings"

	"github.com/nikoksr/notify"
	"github.com/nikoksr/notify/service/telegram"
	"github.com/pkg/errors"

	"poleposition/raceserver/internal/config"
	"poleposition/raceserver/internal/logging"
	"poleposition/raceserver/internal/match"
)

// Notifier announces finished races. Without services it sends nothing.
type Notifier struct {
	notify *notify.Notify
	active bool
	logger *logging.Logger
}

// NewNotifier builds the notifier described by cfg. An empty telegram token
// yields a silent notifier.
func NewNotifier(cfg config.NotifyConfig, logger *logging.Logger) (*Notifier, error) {
	if cfg.TelegramToken == "" || len(cfg.TelegramChats) == 0 {
		return NewNotifierWithServices(logger), nil
	}
	tg, err := telegram.New(cfg.TelegramToken)
	if err != nil {
		return nil, errors.Wrap(err, "create telegram notifier")
	}
	tg.AddReceivers(cfg.TelegramChats...)
	return NewNotifierWithServices(logger, tg), nil
}

// NewNotifierWithServices sends through the given services.
func NewNotifierWithServices(logger *logging.Logger, services ...notify.Notifier) *Notifier {
	if logger == nil {
		logger = logging.L()
	}
	n := notify.New()
	n.UseServices(services...)
	return &Notifier{notify: n, active: len(services) > 0, logger: logger}
}

// Active reports whether any service is configured.
func (n *Notifier) Active() bool { return n != nil && n.active }

// RaceFinished sends the race summary.
func (n *Notifier) RaceFinished(ctx context.Context, r match.Results) error {
	if !n.Active() {
		return nil
	}
	subject, message := Summarize(r)
	if err := n.notify.Send(ctx, subject, message); err != nil {
		n.logger.Warn("race notification failed", logging.String("race_id", r.RaceID), logging.Error(err))
		return errors.Wrapf(err, "notify race %s", r.RaceID)
	}
	return nil
}

// Summarize renders the notification subject and body.
func Summarize(r match.Results) (string, string) {
	subject := "Race finished"
	if r.Forced {
		subject = "Race ended early"
	}
	var b strings.Builder
	if winner, ok := r.Winner(); ok {
		fmt.Fprintf(&b, "Winner: %s (%s, best lap %s)\n", winner.Name, winner.Total, winner.Best)
	}
	fmt.Fprintf(&b, "Race %s, %d laps\n", r.RaceID, r.MaxLaps)
	b.WriteString(r.Table())
	return subject, b.String()
}
