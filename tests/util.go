package testutil

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/entity"
	logsvc "github.com/trezcool/masomo-offline/services/logger"
	"github.com/trezcool/masomo-offline/storage/database"
)

// NewLogger returns a logger in test mode: rollbar disabled, output discarded.
func NewLogger() *logsvc.RollbarLogger {
	return logsvc.NewRollbarLogger(log.New(io.Discard, "", 0), &core.Config{TestMode: true})
}

// TestConfig returns the configuration of a store file under t's temp dir.
func TestConfig(t *testing.T) *core.Config {
	conf := &core.Config{Env: "TEST", TestMode: true}
	conf.Store.Path = filepath.Join(t.TempDir(), "masomo.db")
	conf.Store.JournalMode = "wal"
	return conf
}

// OpenDB opens and migrates a store at conf's path. It is closed when the test ends.
func OpenDB(t *testing.T, conf *core.Config) *sqlx.DB {
	db, err := database.Open(conf)
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err = database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("OpenDB() failed to migrate: %v", err)
	}
	return db
}

// PrepareDB opens a fresh migrated store for one test.
func PrepareDB(t *testing.T) *sqlx.DB {
	return OpenDB(t, TestConfig(t))
}

// Connectivity is a switchable connectivity state, online by default.
type Connectivity struct {
	offline atomic.Bool
}

func (c *Connectivity) Online() bool   { return !c.offline.Load() }
func (c *Connectivity) Set(online bool) { c.offline.Store(!online) }

func StudentPayload(firstName, lastName, classID string) entity.Payload {
	return entity.Payload{"firstName": firstName, "lastName": lastName, "classId": classID}
}

func AttendancePayload(studentID, classID, date, status string) entity.Payload {
	return entity.Payload{"studentId": studentID, "classId": classID, "date": date, "status": status}
}

func GradePayload(studentID, subject string, score, maxScore float64, date string) entity.Payload {
	return entity.Payload{"studentId": studentID, "subject": subject, "score": score, "maxScore": maxScore, "date": date}
}
