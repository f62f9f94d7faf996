package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/VoiceForm/internal/store"
	"github.com/BTreeMap/VoiceForm/internal/submission"
)

// FormatNotice renders a submission notice as message text.
func FormatNotice(n submission.Notice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New %s submission (%s) via %s", n.Form, n.SubmissionID, n.Source)
	names := make([]string, 0, len(n.Fields))
	for name := range n.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := n.Fields[name]
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(&b, "\n%s: %s", name, v)
	}
	return b.String()
}

// OutboxSendFunc delivers outbox messages through svc.
func OutboxSendFunc(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		switch msg.Kind {
		case store.OutboxKindSubmissionNotice:
			n, err := submission.DecodeNotice(msg.PayloadJSON)
			if err != nil {
				return err
			}
			return svc.SendMessage(ctx, msg.Recipient, FormatNotice(n))
		default:
			slog.Warn("messaging.OutboxSendFunc: unknown message kind", "id", msg.ID, "kind", msg.Kind)
			return fmt.Errorf("unknown outbox message kind %q", msg.Kind)
		}
	}
}
