package repo

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-core/internal/domain"
)

// newRepoDB opens a private in-memory database with the full schema. A single
// connection keeps SQLite's shared-cache locking out of the tests.
func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:repo_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := OpenSQLiteWith(dsn, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestOpenSQLite_MissingDirectory(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "no-such-dir", "chat.db")
	db, err := OpenSQLite(bad)
	if db != nil || !os.IsNotExist(err) {
		t.Fatalf("OpenSQLite(%q) = %v, %v; want not-exist error", bad, db, err)
	}
}

func TestOpenSQLite_ConnectionSettings(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	for pragma, want := range map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
		"busy_timeout": "5000",
	} {
		var got string
		if err := db.Raw("PRAGMA " + pragma).Row().Scan(&got); err != nil {
			t.Fatalf("PRAGMA %s: %v", pragma, err)
		}
		if strings.ToLower(got) != want {
			t.Errorf("PRAGMA %s = %q; want %q", pragma, got, want)
		}
	}
	if n := sqlDB.Stats().MaxOpenConnections; n != 10 {
		t.Errorf("MaxOpenConnections = %d", n)
	}

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, tbl := range []any{&domain.User{}, &domain.Conversation{}, &domain.Participant{}, &domain.Message{}, &domain.DeliveryRecord{}} {
		if !db.Migrator().HasTable(tbl) {
			t.Errorf("missing table for %T", tbl)
		}
	}
	if !db.Migrator().HasIndex(&domain.Message{}, "ux_message_conv_seq") {
		t.Errorf("missing (conversation_id, seq) index")
	}
}

func TestWithPragmas_AppendsToExistingQuery(t *testing.T) {
	if got := withPragmas("a.db"); !strings.HasPrefix(got, "a.db?_pragma=") {
		t.Fatalf("withPragmas(a.db) = %q", got)
	}
	if got := withPragmas("file:x?mode=memory"); !strings.HasPrefix(got, "file:x?mode=memory&_pragma=") {
		t.Fatalf("withPragmas(file:x?mode=memory) = %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	if IsUniqueViolation(nil) || IsBusy(nil) {
		t.Fatalf("nil errors must not classify")
	}
	if !IsUniqueViolation(gorm.ErrDuplicatedKey) {
		t.Fatalf("gorm.ErrDuplicatedKey should be a unique violation")
	}
	if !IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: messages.seq (2067)")) {
		t.Fatalf("plain-text unique violation not detected")
	}
	if !IsTokenViolation(errors.New("UNIQUE constraint failed: messages.conversation_id, messages.sender_id, messages.idempotency_token")) {
		t.Fatalf("token violation not detected")
	}
	if IsTokenViolation(errors.New("UNIQUE constraint failed: messages.conversation_id, messages.seq")) {
		t.Fatalf("seq violation misclassified as token violation")
	}
	if !IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) || IsBusy(errors.New("boom")) {
		t.Fatalf("IsBusy mismatch")
	}
}

// seedConversation creates a conversation with the given members directly.
func seedConversation(t *testing.T, db *gorm.DB, id, kind string, members ...string) *domain.Conversation {
	t.Helper()
	now := time.Now().UTC()
	c := &domain.Conversation{ID: id, Kind: kind, CreatedAt: now}
	if kind == domain.KindDirect && len(members) == 2 {
		k := domain.DirectKeyFor(members[0], members[1])
		c.DirectKey = &k
	}
	for i, u := range members {
		c.Participants = append(c.Participants, domain.Participant{UserID: u, Position: i, JoinedAt: now})
	}
	if err := db.Create(c).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return c
}
