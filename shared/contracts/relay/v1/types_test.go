package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "ok", env: Envelope{V: Version, Type: TypeSendMessage}},
		{name: "missing version", env: Envelope{Type: TypeSendMessage}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeSendMessage}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "join_room"}, wantErr: true},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: Validate() err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestIsInbound(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{TypeSendMessage, TypeGetMessages, TypeMarkMessagesRead, TypeSetActiveChat, TypeGetUnreadCounts} {
		if !IsInbound(typ) {
			t.Fatalf("IsInbound(%q)=false want true", typ)
		}
	}
	for _, typ := range []string{TypeMessageSent, TypeReceiveMessage, TypeUnreadCounts, TypeError} {
		if IsInbound(typ) {
			t.Fatalf("IsInbound(%q)=true want false", typ)
		}
	}
}

func TestMessagePayload_WireKeys(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(MessagePayload{
		ID:           "m1",
		SenderID:     "a",
		ReceiverID:   "b",
		Content:      "hi",
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		IsNewMessage: true,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"id", "senderId", "receiverId", "content", "isRead", "createdAt", "isNewMessage"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing key %q in %s", k, b)
		}
	}
}

func TestSetActiveChatPayload_Null(t *testing.T) {
	t.Parallel()

	var p SetActiveChatPayload
	if err := json.Unmarshal([]byte(`{"receiverId":null}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ReceiverID != nil {
		t.Fatalf("expected nil receiverId, got %q", *p.ReceiverID)
	}
}
