package domain

import (
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(Conversation{}).TableName():   "conversations",
		(Participant{}).TableName():    "participants",
		(Message{}).TableName():        "messages",
		(DeliveryRecord{}).TableName(): "delivery_records",
		(User{}).TableName():           "users",
		(ContactRequest{}).TableName(): "contact_requests",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_Indexes_Uniques_AndCascades(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&User{}, &Conversation{}, &Participant{}, &Message{}, &DeliveryRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	for _, idx := range []struct {
		model any
		name  string
	}{
		{&Conversation{}, "ux_conversation_direct_key"},
		{&Participant{}, "idx_participant_user"},
		{&Message{}, "ux_message_conv_seq"},
		{&Message{}, "ux_message_conv_token"},
		{&DeliveryRecord{}, "idx_delivery_recipient_state"},
	} {
		if !m.HasIndex(idx.model, idx.name) {
			t.Fatalf("expected index %s on %T", idx.name, idx.model)
		}
	}

	now := time.Now().UTC()
	key := DirectKeyFor("bob", "alice")
	conv := &Conversation{ID: "c1", Kind: KindDirect, DirectKey: &key, CreatedAt: now,
		Participants: []Participant{
			{UserID: "alice", Position: 0, JoinedAt: now},
			{UserID: "bob", Position: 1, JoinedAt: now},
		},
	}
	if err := db.Create(conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	dup := &Conversation{ID: "c2", Kind: KindDirect, DirectKey: &key, CreatedAt: now}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected unique violation on direct key")
	}
	// Groups carry NULL direct keys; several may coexist.
	for _, id := range []string{"g1", "g2"} {
		if err := db.Create(&Conversation{ID: id, Kind: KindGroup, CreatedAt: now}).Error; err != nil {
			t.Fatalf("create group %s: %v", id, err)
		}
	}
	if err := db.Create(&Conversation{ID: "bad", Kind: "channel", CreatedAt: now}).Error; err == nil {
		t.Fatalf("expected check constraint failure on kind")
	}

	m1 := &Message{ID: "m1", ConversationID: "c1", Seq: 1, SenderID: "alice", IdempotencyToken: "tok1", Kind: PayloadText, Body: "hi", CreatedAt: now}
	if err := db.Create(m1).Error; err != nil {
		t.Fatalf("insert m1: %v", err)
	}
	sameSeq := &Message{ID: "m2", ConversationID: "c1", Seq: 1, SenderID: "bob", IdempotencyToken: "tok2", Kind: PayloadText, Body: "x", CreatedAt: now}
	if err := db.Create(sameSeq).Error; err == nil {
		t.Fatalf("expected unique violation on (conversation_id, seq)")
	}
	sameToken := &Message{ID: "m3", ConversationID: "c1", Seq: 2, SenderID: "alice", IdempotencyToken: "tok1", Kind: PayloadText, Body: "x", CreatedAt: now}
	if err := db.Create(sameToken).Error; err == nil || !strings.Contains(strings.ToLower(err.Error()), "unique") {
		t.Fatalf("expected unique violation on idempotency token, got %v", err)
	}

	rec := &DeliveryRecord{MessageID: "m1", RecipientID: "bob", State: StatePending, ConversationID: "c1", Seq: 1, SenderID: "alice"}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert delivery record: %v", err)
	}

	// CASCADE: deleting the conversation removes its messages, which removes delivery records.
	if err := db.Delete(&Conversation{}, "id = ?", "c1").Error; err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	var cnt int64
	db.Model(&Message{}).Where("conversation_id = ?", "c1").Count(&cnt)
	if cnt != 0 {
		t.Fatalf("expected messages to cascade-delete, got %d", cnt)
	}
	db.Model(&DeliveryRecord{}).Where("message_id = ?", "m1").Count(&cnt)
	if cnt != 0 {
		t.Fatalf("expected delivery records to cascade-delete, got %d", cnt)
	}
	db.Model(&Participant{}).Where("conversation_id = ?", "c1").Count(&cnt)
	if cnt != 0 {
		t.Fatalf("expected participants to cascade-delete, got %d", cnt)
	}
}

func TestContactRequest_OnePendingPerPair(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&User{}, &ContactRequest{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if !db.Migrator().HasIndex(&ContactRequest{}, "ux_contact_pending_pair") {
		t.Fatalf("expected partial unique index on pending pairs")
	}

	now := time.Now().UTC()
	key := DirectKeyFor("alice", "bob")
	req := func(id, from, to, status string) *ContactRequest {
		return &ContactRequest{ID: id, FromID: from, ToID: to, PairKey: key, Status: status, CreatedAt: now}
	}
	if err := db.Create(req("r1", "alice", "bob", RequestPending)).Error; err != nil {
		t.Fatalf("first pending: %v", err)
	}
	if err := db.Create(req("r2", "bob", "alice", RequestPending)).Error; err == nil {
		t.Fatalf("a second pending request for the pair must be rejected")
	}
	if err := db.Create(req("r3", "bob", "alice", RequestRejected)).Error; err != nil {
		t.Fatalf("resolved requests do not collide: %v", err)
	}
	if err := db.Create(req("r4", "bob", "alice", "maybe")).Error; err == nil {
		t.Fatalf("expected check constraint failure on status")
	}

	// Usernames are unique; users without one coexist.
	handle := "al"
	if err := db.Create(&User{ID: "alice", Username: &handle, CreatedAt: now}).Error; err != nil {
		t.Fatalf("create alice: %v", err)
	}
	if err := db.Create(&User{ID: "alice2", Username: &handle, CreatedAt: now}).Error; err == nil {
		t.Fatalf("expected unique violation on username")
	}
	for _, id := range []string{"u1", "u2"} {
		if err := db.Create(&User{ID: id, CreatedAt: now}).Error; err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	r := req("r5", "alice", "bob", RequestPending)
	if r.Peer("alice") != "bob" || r.Peer("bob") != "alice" {
		t.Fatalf("Peer mismatch")
	}
}

func TestConversation_MembersOrderAndHasMember(t *testing.T) {
	c := Conversation{Participants: []Participant{
		{UserID: "c", Position: 2},
		{UserID: "a", Position: 0},
		{UserID: "b", Position: 1},
	}}
	got := strings.Join(c.Members(), ",")
	if got != "a,b,c" {
		t.Fatalf("Members() = %q; want a,b,c", got)
	}
	if !c.HasMember("b") || c.HasMember("z") {
		t.Fatalf("HasMember mismatch")
	}
}

func TestKindsAndStates(t *testing.T) {
	if !ValidConversationKind(KindDirect) || ValidConversationKind("x") {
		t.Fatalf("ValidConversationKind mismatch")
	}
	for _, k := range []string{PayloadText, PayloadImageRef, PayloadVoiceRef, PayloadFileRef, PayloadEdit, PayloadDelete} {
		if !ValidPayloadKind(k) {
			t.Fatalf("%s should be a valid payload kind", k)
		}
	}
	if ValidPayloadKind("video") {
		t.Fatalf("unknown payload kind accepted")
	}
	if !IsMediaKind(PayloadVoiceRef) || IsMediaKind(PayloadText) || IsMediaKind(PayloadEdit) {
		t.Fatalf("IsMediaKind mismatch")
	}
	if !IsReferenceKind(PayloadDelete) || IsReferenceKind(PayloadFileRef) {
		t.Fatalf("IsReferenceKind mismatch")
	}
	if DirectKeyFor("b", "a") != DirectKeyFor("a", "b") {
		t.Fatalf("DirectKeyFor must be order independent")
	}

	forward := [][2]string{
		{StatePending, StateDelivered},
		{StatePending, StateRead},
		{StateDelivered, StateRead},
		{StatePending, StateUnreachable},
		{StateDelivered, StateUnreachable},
	}
	for _, p := range forward {
		if !CanAdvance(p[0], p[1]) {
			t.Fatalf("CanAdvance(%s, %s) = false; want true", p[0], p[1])
		}
	}
	backward := [][2]string{
		{StateRead, StateDelivered},
		{StateRead, StatePending},
		{StateDelivered, StatePending},
		{StateRead, StateRead},
		{StateUnreachable, StateRead},
		{StateRead, StateUnreachable},
	}
	for _, p := range backward {
		if CanAdvance(p[0], p[1]) {
			t.Fatalf("CanAdvance(%s, %s) = true; want false", p[0], p[1])
		}
	}
	if !ValidState(StateUnreachable) || ValidState("sent") {
		t.Fatalf("ValidState mismatch")
	}
}
