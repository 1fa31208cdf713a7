package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type failingSink struct{ got []Event }

func (f *failingSink) Send(_ context.Context, e Event) error {
	f.got = append(f.got, e)
	return errors.New("disk full")
}

func TestRecordStampsAndSwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	sink := &failingSink{}

	Record(context.Background(), sink, log, Event{Type: EventStart, Outcome: OutcomeOK})
	if len(sink.got) != 1 || sink.got[0].OccurredAt.IsZero() {
		t.Fatalf("event not stamped: %+v", sink.got)
	}
	if !strings.Contains(buf.String(), "history: send failed") {
		t.Fatalf("failure not logged: %s", buf.String())
	}

	// nil sink is a no-op
	Record(context.Background(), nil, log, Event{Type: EventStop})
	if err := (Nop{}).Send(context.Background(), Event{}); err != nil {
		t.Fatal(err)
	}
}
