package status

import (
	"reflect"
	"testing"
)

func TestDeliveryResultCompleted(t *testing.T) {
	for _, c := range []struct {
		result    DeliveryResult
		completed bool
	}{
		{Queued(), false},
		{Deferred(2, "connection refused"), false},
		{Delivered("250 2.0.0 accepted by mx.example.org"), true},
		{Failed("550 no such user"), true},
	} {
		if got := c.result.Completed(); got != c.completed {
			t.Errorf("%v: Completed() = %v, want %v", c.result.State, got, c.completed)
		}
	}
}

func TestMessageStatusHelpers(t *testing.T) {
	status := MessageStatus{
		MessageID: "id@localhost",
		Recipients: []RecipientStatus{
			{Recipient: "a@example.org", Result: Delivered("250 ok")},
			{Recipient: "b@example.org", Result: Deferred(1, "greylisted")},
		},
	}
	if status.Completed() {
		t.Error("Completed() = true with a deferred recipient")
	}
	if status.Succeeded() {
		t.Error("Succeeded() = true with a deferred recipient")
	}

	status.Recipients[1].Result = Failed("gave up")
	if !status.Completed() {
		t.Error("Completed() = false with all recipients terminal")
	}
	if status.Succeeded() {
		t.Error("Succeeded() = true with a failed recipient")
	}

	status.Recipients[1].Result = Delivered("250 ok")
	if !status.Succeeded() {
		t.Error("Succeeded() = false with all recipients delivered")
	}
}

func TestAsMessageStatus(t *testing.T) {
	internal := InternalMessageStatus{
		MessageID: "id@localhost",
		Recipients: []InternalRecipientStatus{
			{
				EmailAddr:     "тест@example.org",
				SMTPEmailAddr: "тест@example.org",
				Domain:        "example.org",
				MXServers:     []string{"mx.example.org"},
				Result:        Queued(),
			},
		},
		AttemptsRemaining: 3,
	}

	got := internal.AsMessageStatus()
	want := &MessageStatus{
		MessageID: "id@localhost",
		Recipients: []RecipientStatus{
			{Recipient: "тест@example.org", Result: Queued()},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AsMessageStatus() = %+v, want %+v", got, want)
	}
}

func TestInternalMessageStatusClone(t *testing.T) {
	orig := InternalMessageStatus{
		MessageID: "id@localhost",
		Recipients: []InternalRecipientStatus{
			{EmailAddr: "a@example.org", MXServers: []string{"mx1", "mx2"}},
		},
		AttemptsRemaining: 2,
	}

	clone := orig.Clone()
	clone.Recipients[0].MXServers[0] = "changed"
	clone.Recipients[0].Result = Failed("nope")

	if orig.Recipients[0].MXServers[0] != "mx1" {
		t.Error("Clone shares the MXServers slice with the original")
	}
	if orig.Recipients[0].Result.State == StateFailed {
		t.Error("Clone shares recipient state with the original")
	}
}

func TestPreparedEmailClone(t *testing.T) {
	orig := PreparedEmail{
		From:      "sender@example.org",
		To:        []string{"a@example.org"},
		MessageID: "id@localhost",
		Message:   []byte("Subject: hi\r\n\r\nbody\r\n"),
	}

	clone := orig.Clone()
	clone.To[0] = "changed@example.org"
	clone.Message[0] = 'X'

	if orig.To[0] != "a@example.org" {
		t.Error("Clone shares the To slice with the original")
	}
	if orig.Message[0] != 'S' {
		t.Error("Clone shares the Message buffer with the original")
	}
}
