package dummydb

import (
	"sync"

	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

type (
	// DB is an in-memory store for tests and local development. Nothing survives the process.
	DB struct {
		records *recordTable
		queue   *queueTable
	}

	recordKey struct {
		kind    entity.Kind
		localID string
	}

	recordTable struct {
		sync.RWMutex
		table map[recordKey]*entity.Record
	}

	queueTable struct {
		sync.RWMutex
		seq     int64
		table   []*syncqueue.Action // FIFO
		idMap   map[syncqueue.RecordKey]string
		cursors map[string]string
	}
)

func Open() (*DB, error) {
	db := &DB{
		records: &recordTable{table: make(map[recordKey]*entity.Record)},
		queue: &queueTable{
			idMap:   make(map[syncqueue.RecordKey]string),
			cursors: make(map[string]string),
		},
	}
	return db, nil
}
