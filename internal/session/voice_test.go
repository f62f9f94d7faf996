package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
)

func TestVoiceSince(t *testing.T) {
	var v Voice
	if v.Last() != "" || v.Since(0) != nil {
		t.Fatal("new voice should be empty")
	}
	v.Speak(context.Background(), "one")
	mark := v.Mark()
	v.Speak(context.Background(), "two")
	v.Speak(context.Background(), "three")

	got := v.Since(mark)
	if len(got) != 2 || got[0] != "two" || got[1] != "three" {
		t.Errorf("Since = %v", got)
	}
	if v.Last() != "three" {
		t.Errorf("Last = %q", v.Last())
	}
}

func TestVoiceHistoryIsBounded(t *testing.T) {
	var v Voice
	for i := 0; i < maxHistory+10; i++ {
		v.Speak(context.Background(), fmt.Sprint(i))
	}
	if got := v.Since(0); len(got) != maxHistory {
		t.Errorf("kept %d utterances, want %d", len(got), maxHistory)
	}
}

func TestRemoteInput(t *testing.T) {
	var in RemoteInput
	if in.Listening() {
		t.Fatal("should not listen initially")
	}
	a, b := &dialogue.Attempt{}, &dialogue.Attempt{}
	if err := in.StartListening(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	in.StopListening(b)
	if !in.Listening() {
		t.Error("stopping another attempt must not clear the open one")
	}
	if got := in.take(); got != a {
		t.Error("take should return the open attempt")
	}
	if in.Listening() {
		t.Error("take should clear the open attempt")
	}
}
