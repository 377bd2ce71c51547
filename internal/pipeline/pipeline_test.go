package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"circle/internal/gate"
	"circle/internal/match"
	"circle/internal/models"
)

// fakeRepo is an in-memory Repository with switchable failure modes.
type fakeRepo struct {
	chats      map[uint]*models.Chat
	members    map[uint][]uint
	messages   map[uint]*models.Message
	nextID     uint
	block      *models.Block
	friendship string
	match      *models.BlindDateMatch

	receipts     []receiptRow
	reactions    map[string]bool
	unreadIDs    []uint
	bulkReadErr  bool
	upsertFailID uint
	endedChats   []uint
}

type receiptRow struct {
	messageID, userID uint
	status            string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		chats:     map[uint]*models.Chat{1: {ID: 1}},
		members:   map[uint][]uint{1: {10, 20}},
		messages:  map[uint]*models.Message{},
		nextID:    100,
		reactions: map[string]bool{},
	}
}

func (f *fakeRepo) GetChat(chatID uint) (*models.Chat, error) {
	c, ok := f.chats[chatID]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

func (f *fakeRepo) GetChatMembers(chatID uint) ([]uint, error) {
	return f.members[chatID], nil
}

func (f *fakeRepo) InsertMessage(msg *models.Message) error {
	f.nextID++
	msg.ID = f.nextID
	msg.CreatedAt = time.Now()
	f.messages[msg.ID] = msg
	return nil
}

func (f *fakeRepo) GetMessage(id uint) (*models.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return m, nil
}

func (f *fakeRepo) UpdateMessageText(id uint, text string) (*models.Message, error) {
	m, ok := f.messages[id]
	if !ok {
		return nil, errors.New("not found")
	}
	now := time.Now()
	m.Text = text
	m.EditedAt = &now
	return m, nil
}

func (f *fakeRepo) SoftDeleteMessage(id uint) error {
	m, ok := f.messages[id]
	if !ok {
		return errors.New("not found")
	}
	m.Deleted = true
	return nil
}

func (f *fakeRepo) UpsertReceipt(messageID, userID uint, status string) error {
	if messageID == f.upsertFailID {
		return errors.New("upsert failed")
	}
	f.receipts = append(f.receipts, receiptRow{messageID, userID, status})
	return nil
}

func (f *fakeRepo) MarkChatRead(chatID, userID uint) ([]uint, error) {
	if f.bulkReadErr {
		return nil, errors.New("bulk failed")
	}
	return f.unreadIDs, nil
}

func (f *fakeRepo) ListUnreadMessageIDs(chatID, userID uint) ([]uint, error) {
	return f.unreadIDs, nil
}

func (f *fakeRepo) ToggleReaction(messageID, userID uint, emoji string) (bool, error) {
	key := fmt.Sprintf("%d:%d:%s", messageID, userID, emoji)
	f.reactions[key] = !f.reactions[key]
	return f.reactions[key], nil
}

func (f *fakeRepo) GetUser(id uint) (*models.User, error) {
	return &models.User{ID: id}, nil
}

func (f *fakeRepo) FindOrCreateDirectChat(a, b uint, blind bool) (*models.Chat, error) {
	f.nextID++
	c := &models.Chat{ID: f.nextID, IsBlind: blind}
	f.chats[c.ID] = c
	f.members[c.ID] = []uint{a, b}
	return c, nil
}

func (f *fakeRepo) EnsureFriendship(a, b uint) error {
	f.friendship = models.FriendshipAccepted
	return nil
}

func (f *fakeRepo) CreateBlindMatch(chatID, a, b uint) (*models.BlindDateMatch, error) {
	f.match = &models.BlindDateMatch{ChatID: chatID, UserAID: a, UserBID: b, Status: models.MatchActive}
	return f.match, nil
}

func (f *fakeRepo) GetBlockRelationship(a, b uint) (*models.Block, error) {
	return f.block, nil
}

func (f *fakeRepo) GetFriendshipStatus(a, b uint) (string, error) {
	return f.friendship, nil
}

func (f *fakeRepo) GetMatchByChat(chatID uint) (*models.BlindDateMatch, error) {
	return f.match, nil
}

func (f *fakeRepo) SetReveal(chatID, userID uint) (*models.BlindDateMatch, error) {
	if f.match == nil {
		return nil, errors.New("not found")
	}
	if userID == f.match.UserAID {
		f.match.RevealA = true
	} else {
		f.match.RevealB = true
	}
	if f.match.RevealA && f.match.RevealB {
		f.match.Status = models.MatchRevealed
	}
	return f.match, nil
}

func (f *fakeRepo) EndMatch(chatID uint) error {
	f.endedChats = append(f.endedChats, chatID)
	return nil
}

// fakeBC records room and user fan-out targets with payloads.
type fakeBC struct {
	roomEvents []interface{}
	userEvents map[uint][]interface{}
}

func newFakeBC() *fakeBC { return &fakeBC{userEvents: map[uint][]interface{}{}} }

func (f *fakeBC) ToRoom(chatID uint, payload interface{}) {
	f.roomEvents = append(f.roomEvents, payload)
}

func (f *fakeBC) ToUser(userID uint, payload interface{}) {
	f.userEvents[userID] = append(f.userEvents[userID], payload)
}

type fakeNotifier struct {
	sent []uint
}

func (f *fakeNotifier) Notify(userID uint, kind string, payload interface{}) {
	f.sent = append(f.sent, userID)
}

type fakeGate struct {
	res    gate.Result
	called int
}

func (f *fakeGate) Check(ctx context.Context, matchID, authorID uint, text string) gate.Result {
	f.called++
	return f.res
}

func setup() (*fakeRepo, *fakeGate, *fakeBC, *fakeNotifier, *Pipeline) {
	repo := newFakeRepo()
	repo.friendship = models.FriendshipAccepted
	gk := &fakeGate{}
	bc := newFakeBC()
	nt := &fakeNotifier{}
	return repo, gk, bc, nt, New(repo, gk, bc, nt)
}

func wantReject(t *testing.T, err error, code string) {
	t.Helper()
	r, ok := AsReject(err)
	if !ok {
		t.Fatalf("error = %v, want Reject", err)
	}
	if r.Code != code {
		t.Fatalf("Reject code = %s, want %s", r.Code, code)
	}
}

func TestSend_HappyPath(t *testing.T) {
	repo, _, bc, nt, p := setup()

	msg, err := p.Send(context.Background(), 1, 10, "hello", "")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg.ID == 0 {
		t.Error("Send() should return message with authoritative id")
	}
	if len(repo.messages) != 1 {
		t.Errorf("persisted %d messages, want 1", len(repo.messages))
	}
	// Fan-out: once to the room, once to each member's user channel
	if len(bc.roomEvents) != 1 {
		t.Errorf("room fan-out = %d events, want 1", len(bc.roomEvents))
	}
	if len(bc.userEvents[10]) != 1 || len(bc.userEvents[20]) != 1 {
		t.Errorf("user fan-out = %d/%d events, want 1/1", len(bc.userEvents[10]), len(bc.userEvents[20]))
	}
	// Notification goes to the peer only
	if len(nt.sent) != 1 || nt.sent[0] != 20 {
		t.Errorf("notified %v, want [20]", nt.sent)
	}
	evt := bc.roomEvents[0].(MessageEvent)
	if evt.Type != "message:new" || evt.SenderID != 10 || evt.Text != "hello" {
		t.Errorf("unexpected room event %+v", evt)
	}
}

func TestSend_Validation(t *testing.T) {
	_, _, _, _, p := setup()

	_, err := p.Send(context.Background(), 1, 10, "", "")
	wantReject(t, err, CodeInvalidPayload)

	_, err = p.Send(context.Background(), 1, 10, strings.Repeat("x", 1001), "")
	wantReject(t, err, CodeInvalidPayload)

	// Exactly at the cap is fine
	if _, err := p.Send(context.Background(), 1, 10, strings.Repeat("x", 1000), ""); err != nil {
		t.Errorf("Send() at max length error = %v", err)
	}

	// Media-only message passes validation
	if _, err := p.Send(context.Background(), 1, 10, "", "media/abc.jpg"); err != nil {
		t.Errorf("Send() media-only error = %v", err)
	}
}

func TestSend_NotMember(t *testing.T) {
	_, _, _, _, p := setup()

	_, err := p.Send(context.Background(), 1, 99, "hi", "")
	wantReject(t, err, CodeNotMember)
}

func TestSend_ChatNotFound(t *testing.T) {
	repo, _, _, _, p := setup()
	repo.members[2] = []uint{10} // malformed chat with one member

	_, err := p.Send(context.Background(), 2, 10, "hi", "")
	wantReject(t, err, CodeNotFound)
}

func TestSend_Blocked(t *testing.T) {
	repo, _, bc, _, p := setup()

	// Peer blocked the sender
	repo.block = &models.Block{BlockerID: 20, BlockedID: 10}
	_, err := p.Send(context.Background(), 1, 10, "hi", "")
	wantReject(t, err, CodeBlockedByUser)

	// Sender blocked the peer
	repo.block = &models.Block{BlockerID: 10, BlockedID: 20}
	_, err = p.Send(context.Background(), 1, 10, "hi", "")
	wantReject(t, err, CodeUserBlocked)

	// No persistence and no fan-out in either direction
	if len(repo.messages) != 0 {
		t.Errorf("blocked send persisted %d messages, want 0", len(repo.messages))
	}
	if len(bc.roomEvents) != 0 {
		t.Error("blocked send must not fan out")
	}
}

func TestSend_NotFriends(t *testing.T) {
	repo, _, _, _, p := setup()
	repo.friendship = models.FriendshipPending

	_, err := p.Send(context.Background(), 1, 10, "hi", "")
	wantReject(t, err, CodeNotFriends)
}

func TestSend_BlindBypassesFriendship(t *testing.T) {
	repo, gk, _, _, p := setup()
	repo.chats[1].IsBlind = true
	repo.friendship = ""
	repo.match = &models.BlindDateMatch{ID: 5, ChatID: 1, UserAID: 10, UserBID: 20, Status: models.MatchActive}

	if _, err := p.Send(context.Background(), 1, 10, "hi there", ""); err != nil {
		t.Fatalf("Send() in blind chat error = %v", err)
	}
	if gk.called != 1 {
		t.Errorf("gate called %d times, want 1", gk.called)
	}
}

func TestSend_GateBlocks(t *testing.T) {
	repo, gk, _, _, p := setup()
	repo.chats[1].IsBlind = true
	repo.friendship = ""
	repo.match = &models.BlindDateMatch{ID: 5, ChatID: 1, UserAID: 10, UserBID: 20, Status: models.MatchActive}
	gk.res = gate.Result{Blocked: true, Category: "phone_number"}

	_, err := p.Send(context.Background(), 1, 10, "555-123-4567", "")
	r, ok := AsReject(err)
	if !ok || r.Code != CodePersonalInfoDetected {
		t.Fatalf("error = %v, want personal_info_detected", err)
	}
	if r.Category != "phone_number" {
		t.Errorf("Category = %q, want phone_number", r.Category)
	}
	if len(repo.messages) != 0 {
		t.Error("gated message must not be persisted")
	}

	// Timeout verdict carries no category: generic message_blocked
	gk.res = gate.Result{Blocked: true}
	_, err = p.Send(context.Background(), 1, 10, "anything", "")
	wantReject(t, err, CodeMessageBlocked)
}

func TestSend_RevealedMatchSkipsGate(t *testing.T) {
	repo, gk, _, _, p := setup()
	repo.chats[1].IsBlind = true
	repo.friendship = ""
	repo.match = &models.BlindDateMatch{ID: 5, ChatID: 1, UserAID: 10, UserBID: 20, Status: models.MatchRevealed}
	gk.res = gate.Result{Blocked: true, Category: "email"}

	if _, err := p.Send(context.Background(), 1, 10, "me@example.com", ""); err != nil {
		t.Fatalf("Send() after reveal error = %v", err)
	}
	if gk.called != 0 {
		t.Errorf("gate called %d times after reveal, want 0", gk.called)
	}
}

func TestUpdateReceipt(t *testing.T) {
	repo, _, bc, _, p := setup()
	msg := &models.Message{ChatID: 1, SenderID: 10, Text: "hi"}
	_ = repo.InsertMessage(msg)

	if err := p.UpdateReceipt(context.Background(), msg.ID, 20, "bogus"); err == nil {
		t.Error("UpdateReceipt() should reject unknown status")
	}

	if err := p.UpdateReceipt(context.Background(), msg.ID, 20, models.ReceiptRead); err != nil {
		t.Fatalf("UpdateReceipt() error = %v", err)
	}
	if len(repo.receipts) != 1 || repo.receipts[0].status != models.ReceiptRead {
		t.Errorf("receipts = %+v, want one read row", repo.receipts)
	}
	// Room fan-out plus targeted push to the sender
	if len(bc.roomEvents) != 1 {
		t.Errorf("room fan-out = %d, want 1", len(bc.roomEvents))
	}
	if len(bc.userEvents[10]) != 1 {
		t.Errorf("sender fan-out = %d, want 1", len(bc.userEvents[10]))
	}
}

func TestMarkAllRead_Bulk(t *testing.T) {
	repo, _, bc, _, p := setup()
	repo.unreadIDs = []uint{101, 102, 103}

	n, err := p.MarkAllRead(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("MarkAllRead() error = %v", err)
	}
	if n != 3 {
		t.Errorf("MarkAllRead() = %d, want 3", n)
	}
	if len(bc.roomEvents) != 3 {
		t.Errorf("fan-out = %d events, want 3", len(bc.roomEvents))
	}
}

func TestMarkAllRead_FallbackPerMessage(t *testing.T) {
	repo, _, _, _, p := setup()
	repo.unreadIDs = []uint{101, 102, 103}
	repo.bulkReadErr = true
	repo.upsertFailID = 102 // one message fails, the rest still get marked

	n, err := p.MarkAllRead(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("MarkAllRead() error = %v", err)
	}
	if n != 2 {
		t.Errorf("MarkAllRead() = %d, want 2", n)
	}
	if len(repo.receipts) != 2 {
		t.Errorf("receipts = %d, want 2", len(repo.receipts))
	}
}

func TestEdit_SenderOnly(t *testing.T) {
	repo, _, bc, _, p := setup()
	msg := &models.Message{ChatID: 1, SenderID: 10, Text: "original"}
	_ = repo.InsertMessage(msg)

	_, err := p.Edit(context.Background(), msg.ID, 20, "tampered")
	wantReject(t, err, CodeNotSender)

	updated, err := p.Edit(context.Background(), msg.ID, 10, "fixed")
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if updated.Text != "fixed" || updated.EditedAt == nil {
		t.Errorf("Edit() text=%q editedAt=%v, want fixed with timestamp", updated.Text, updated.EditedAt)
	}
	evt := bc.roomEvents[len(bc.roomEvents)-1].(MessageEvent)
	if evt.Type != "message:edited" {
		t.Errorf("event type = %s, want message:edited", evt.Type)
	}
}

func TestDelete_Tombstone(t *testing.T) {
	repo, _, bc, _, p := setup()
	msg := &models.Message{ChatID: 1, SenderID: 10, Text: "secret"}
	_ = repo.InsertMessage(msg)

	err := p.Delete(context.Background(), msg.ID, 20)
	wantReject(t, err, CodeNotSender)

	if err := p.Delete(context.Background(), msg.ID, 10); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	// Soft delete: row survives as a tombstone
	if m := repo.messages[msg.ID]; m == nil || !m.Deleted {
		t.Error("Delete() should tombstone, not remove the row")
	}
	evt := bc.roomEvents[len(bc.roomEvents)-1].(MessageEvent)
	if evt.Type != "message:deleted" || !evt.Deleted || evt.Text != "" {
		t.Errorf("tombstone event %+v should carry no text", evt)
	}
}

func TestToggleReaction(t *testing.T) {
	repo, _, bc, _, p := setup()
	msg := &models.Message{ChatID: 1, SenderID: 10, Text: "hi"}
	_ = repo.InsertMessage(msg)

	_, err := p.ToggleReaction(context.Background(), msg.ID, 20, "")
	wantReject(t, err, CodeInvalidPayload)

	added, err := p.ToggleReaction(context.Background(), msg.ID, 20, "👍")
	if err != nil || !added {
		t.Fatalf("first toggle = %v, %v; want added", added, err)
	}
	if evt := bc.roomEvents[len(bc.roomEvents)-1].(ReactionEvent); evt.Type != "reaction:added" {
		t.Errorf("event type = %s, want reaction:added", evt.Type)
	}

	added, err = p.ToggleReaction(context.Background(), msg.ID, 20, "👍")
	if err != nil || added {
		t.Fatalf("second toggle = %v, %v; want removed", added, err)
	}
	if evt := bc.roomEvents[len(bc.roomEvents)-1].(ReactionEvent); evt.Type != "reaction:removed" {
		t.Errorf("event type = %s, want reaction:removed", evt.Type)
	}
}

func TestReveal(t *testing.T) {
	repo, _, bc, nt, p := setup()
	repo.chats[1].IsBlind = true
	repo.match = &models.BlindDateMatch{ID: 5, ChatID: 1, UserAID: 10, UserBID: 20, Status: models.MatchActive}

	// One side revealing does not flip the match
	m, err := p.Reveal(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if m.Status != models.MatchActive {
		t.Errorf("status after one reveal = %s, want active", m.Status)
	}
	if len(bc.userEvents[10]) != 0 {
		t.Error("no broadcast expected before both sides reveal")
	}

	// Second side completes the reveal
	m, err = p.Reveal(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if m.Status != models.MatchRevealed {
		t.Errorf("status = %s, want revealed", m.Status)
	}
	if len(bc.userEvents[10]) != 1 || len(bc.userEvents[20]) != 1 {
		t.Errorf("reveal fan-out = %d/%d, want 1/1", len(bc.userEvents[10]), len(bc.userEvents[20]))
	}
	if len(nt.sent) != 1 {
		t.Errorf("notified %d users, want 1", len(nt.sent))
	}
}

func TestMatchedPairCanMessage(t *testing.T) {
	repo, _, bc, nt, p := setup()
	repo.friendship = "" // strangers until the coordinator pairs them

	coord := match.NewCoordinator(repo, bc, nt, time.Minute)
	t.Cleanup(coord.Stop)

	coord.StartSearch(10, match.Preferences{})
	coord.StartSearch(20, match.Preferences{})
	coord.Decide(10, true)
	coord.Decide(20, true)

	var chatID uint
	for _, e := range bc.userEvents[10] {
		if me, ok := e.(match.Event); ok && me.Type == "match:matched" {
			chatID = me.ChatID
		}
	}
	if chatID == 0 {
		t.Fatal("no matched event with a chat id")
	}

	// The chat the coordinator just provisioned must accept messages
	// from both members right away.
	if _, err := p.Send(context.Background(), chatID, 10, "hello match", ""); err != nil {
		t.Fatalf("Send() into matched chat error = %v", err)
	}
	if _, err := p.Send(context.Background(), chatID, 20, "hi back", ""); err != nil {
		t.Fatalf("Send() reply error = %v", err)
	}
}

func TestEndMatch(t *testing.T) {
	repo, _, bc, _, p := setup()
	repo.chats[1].IsBlind = true

	if err := p.EndMatch(context.Background(), 1, 10); err != nil {
		t.Fatalf("EndMatch() error = %v", err)
	}
	if len(repo.endedChats) != 1 || repo.endedChats[0] != 1 {
		t.Errorf("endedChats = %v, want [1]", repo.endedChats)
	}
	for _, uid := range []uint{10, 20} {
		evts := bc.userEvents[uid]
		if len(evts) != 1 {
			t.Fatalf("user %d got %d events, want 1", uid, len(evts))
		}
		if evt := evts[0].(MatchStateEvent); evt.Type != "match:ended" || evt.Status != models.MatchEnded {
			t.Errorf("user %d event %+v, want match:ended", uid, evt)
		}
	}
}
