package ws

import (
	"encoding/json"
	"testing"
)

func testClient(id string, userID uint) *Client {
	return &Client{
		id:     id,
		userID: userID,
		send:   make(chan []byte, 8),
		rooms:  make(map[uint]bool),
	}
}

func received(c *Client) int {
	n := 0
	for {
		select {
		case <-c.send:
			n++
		default:
			return n
		}
	}
}

func TestToRoom(t *testing.T) {
	h := NewHub()
	c1, c2, c3 := testClient("s1", 1), testClient("s2", 2), testClient("s3", 3)
	h.JoinRoom(1, c1)
	h.JoinRoom(1, c2)
	h.JoinRoom(2, c3)

	h.ToRoom(1, map[string]string{"type": "test"})

	if got := received(c1); got != 1 {
		t.Errorf("c1 received %d messages, want 1", got)
	}
	if got := received(c2); got != 1 {
		t.Errorf("c2 received %d messages, want 1", got)
	}
	// Subscriber of another room gets nothing
	if got := received(c3); got != 0 {
		t.Errorf("c3 received %d messages, want 0", got)
	}
}

func TestLeaveRoom(t *testing.T) {
	h := NewHub()
	c := testClient("s1", 1)
	h.JoinRoom(1, c)
	h.LeaveRoom(1, c)

	h.ToRoom(1, map[string]string{"type": "test"})
	if got := received(c); got != 0 {
		t.Errorf("received %d messages after leave, want 0", got)
	}
	if h.RoomCount(1) != 0 {
		t.Errorf("RoomCount = %d, want 0", h.RoomCount(1))
	}
}

func TestToUser(t *testing.T) {
	h := NewHub()
	// Same user with two concurrent sessions
	c1, c2 := testClient("s1", 7), testClient("s2", 7)
	other := testClient("s3", 8)
	h.JoinUser(7, c1)
	h.JoinUser(7, c2)
	h.JoinUser(8, other)

	h.ToUser(7, map[string]string{"type": "test"})

	if received(c1) != 1 || received(c2) != 1 {
		t.Error("every session of the user should receive the message")
	}
	if received(other) != 0 {
		t.Error("other users must not receive targeted messages")
	}

	// Anonymous target is a no-op
	h.ToUser(0, map[string]string{"type": "test"})
}

func TestUserSessions(t *testing.T) {
	h := NewHub()
	c1, c2 := testClient("s1", 7), testClient("s2", 7)
	h.JoinUser(7, c1)
	h.JoinUser(7, c2)

	if n := h.UserSessions(7); n != 2 {
		t.Errorf("UserSessions = %d, want 2", n)
	}
	h.DropClient(c1)
	if n := h.UserSessions(7); n != 1 {
		t.Errorf("UserSessions = %d, want 1", n)
	}
	h.DropClient(c2)
	if n := h.UserSessions(7); n != 0 {
		t.Errorf("UserSessions = %d, want 0", n)
	}
}

func TestDropClient(t *testing.T) {
	h := NewHub()
	c := testClient("s1", 7)
	h.JoinRoom(1, c)
	h.JoinRoom(2, c)
	h.JoinUser(7, c)

	h.DropClient(c)

	h.ToRoom(1, "x")
	h.ToRoom(2, "x")
	h.ToUser(7, "x")
	if got := received(c); got != 0 {
		t.Errorf("dropped client received %d messages, want 0", got)
	}
	if h.InUserChannel(7, c) {
		t.Error("dropped client should not remain in the user channel")
	}
}

func TestSlowClientDropsMessage(t *testing.T) {
	h := NewHub()
	c := &Client{id: "slow", userID: 1, send: make(chan []byte, 1), rooms: make(map[uint]bool)}
	h.JoinRoom(1, c)

	// Second fan-out overflows the buffer and is dropped, not blocked
	h.ToRoom(1, "first")
	h.ToRoom(1, "second")

	if got := received(c); got != 1 {
		t.Errorf("slow client received %d messages, want 1 (overflow dropped)", got)
	}
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"message send", `{"type":"message:send","chat_id":1,"text":"hi"}`, false},
		{"match decide", `{"type":"match:decide","decision":"accept"}`, false},
		{"unknown type", `{"type":"admin:shutdown"}`, true},
		{"missing type", `{"chat_id":1}`, true},
		{"malformed json", `{type: nope}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseInbound() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseInbound_Preferences(t *testing.T) {
	in, err := ParseInbound([]byte(`{"type":"match:search:start","preferences":{"blind":true,"age_min":20,"age_max":35}}`))
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	if in.Preferences == nil || !in.Preferences.Blind || in.Preferences.AgeMin != 20 {
		t.Errorf("Preferences = %+v, want blind 20-35", in.Preferences)
	}
}

func TestErrorEventShape(t *testing.T) {
	data, err := json.Marshal(ErrorEvent{Type: "error", Code: "not_member", Message: "nope"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Category is omitted when empty
	if string(data) != `{"type":"error","code":"not_member","message":"nope"}` {
		t.Errorf("unexpected wire shape: %s", data)
	}
}
