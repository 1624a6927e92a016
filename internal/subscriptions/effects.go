package subscriptions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/silverfen/ledgerd/pkg/engine/effect"
	"github.com/silverfen/ledgerd/pkg/engine/lss"
)

// Sender delivers one assignment email. Outbound transport internals are
// out of scope; this is the seam a real transport would plug into.
// NoOpSender satisfies it when no sendgrid_api_key is configured.
type Sender interface {
	Send(ctx context.Context, subscriptionID int, memberID string) error
}

// NoOpSender logs instead of sending, for local runs and tests.
type NoOpSender struct{}

func (NoOpSender) Send(ctx context.Context, subscriptionID int, memberID string) error {
	slog.Info("subscriptions: no-op email send", "subscriptionId", subscriptionID, "memberId", memberID)
	return nil
}

// RegisterEffects wires the email-sending effect onto pool: every time a
// member is assigned, or a previous attempt failed and is still under the
// retry cap, send() runs and its outcome is reported straight back as a
// fact — Email.Succeeded or Email.Failed — through deps.Consume, which
// folds it directly into Emails.To.Send without a mapper in between.
func RegisterEffects(pool *effect.Pool, sender Sender) {
	handler := func(ctx context.Context, event lss.Event, deps effect.Deps) {
		subscriptionID := asInt(event.Data["subscriptionId"])
		memberID := asString(event.Data["memberId"])

		if event.Type == "Email.Failed" {
			// A notification already dropped at the retry cap is no
			// longer in the projection; nothing left to retry.
			state, err := deps.Query(ViewEmailsToSend)
			if err != nil {
				slog.Error("subscriptions: failed to query emails before retry", "error", err)
				return
			}
			if findNotification(state.(EmailsState).List, subscriptionID, memberID) < 0 {
				return
			}
		}

		fact := lss.Event{
			PartitionID: fmt.Sprintf("subscription-%d", subscriptionID),
			Type:        "Email.Succeeded",
			Data:        map[string]any{"subscriptionId": subscriptionID, "memberId": memberID},
		}
		if err := sender.Send(ctx, subscriptionID, memberID); err != nil {
			fact.Type = "Email.Failed"
		}
		if consumeErr := deps.Consume(fact); consumeErr != nil {
			slog.Error("subscriptions: failed to consume email send result", "error", consumeErr)
		}
	}

	pool.RegisterCallback("Member.AssignedToSubscription", handler)
	pool.RegisterCallback("Email.Failed", handler)
}
