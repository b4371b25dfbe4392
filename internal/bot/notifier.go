package bot

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"hubbot/internal/snapshot"
	"hubbot/internal/worker"
)

// Sender is the slice of *telego.Bot the notifier uses.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Notifier delivers snapshot reports to the operator chat and reminders
// to service owners.
type Notifier struct {
	api      Sender
	operator int64
	log      *zap.Logger
}

func NewNotifier(api Sender, operatorChat int64, log *zap.Logger) *Notifier {
	return &Notifier{api: api, operator: operatorChat, log: log.Named("notifier")}
}

func (n *Notifier) Report(ctx context.Context, r snapshot.Report) error {
	return n.Alert(ctx, FormatReport(r))
}

// Alert posts text to the operator chat. Without one configured it only
// logs.
func (n *Notifier) Alert(ctx context.Context, text string) error {
	if n.operator == 0 {
		n.log.Debug("no operator chat, alert dropped")
		return nil
	}
	if _, err := n.api.SendMessage(ctx, tu.Message(tu.ID(n.operator), text)); err != nil {
		return fmt.Errorf("send to operator chat: %w", err)
	}
	return nil
}

func (n *Notifier) Notify(ctx context.Context, notice worker.Notice) error {
	text := FormatNotice(notice)
	if text == "" {
		return fmt.Errorf("no template for notice %q", notice.Kind)
	}
	if _, err := n.api.SendMessage(ctx, tu.Message(tu.ID(notice.OwnerID), text)); err != nil {
		return fmt.Errorf("notify %d: %w", notice.OwnerID, err)
	}
	n.log.Info("notice sent", zap.Int64("owner", notice.OwnerID), zap.String("kind", notice.Kind))
	return nil
}
