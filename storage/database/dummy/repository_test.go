package dummydb

import (
	"testing"

	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncqueue"
	"github.com/trezcool/masomo-offline/tests"
)

func open(t *testing.T) *DB {
	db, err := Open()
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return db
}

func TestRecordRepository(t *testing.T) {
	testutil.RunStoreTests(t, func(t *testing.T) entity.Store {
		return NewRecordRepository(open(t))
	})
}

func TestQueueRepository(t *testing.T) {
	testutil.RunLedgerTests(t, func(t *testing.T) syncqueue.Ledger {
		return NewQueueRepository(open(t))
	})
}
