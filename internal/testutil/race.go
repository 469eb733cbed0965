package testutil

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"docdelta/internal/model"
)

// RaceDocumentInsert makes the next document insert on db lose a uniqueness
// race: a competing row with the same owner and title is written just before
// it. With hidden set the competing row is deleted again once the insert has
// failed, the way a row committed outside the caller's snapshot stays
// invisible to it.
func RaceDocumentInsert(t *testing.T, db *gorm.DB, hidden bool) {
	t.Helper()
	var owner uint
	var title string
	loseInsertRace(t, db, "documents",
		func(tx *gorm.DB) (bool, error) {
			doc, ok := tx.Statement.Dest.(*model.Document)
			if !ok {
				return false, nil
			}
			owner, title = doc.OwnerID, doc.Title
			_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
				"INSERT INTO documents (owner_id, title, created_at) VALUES (?, ?, ?)",
				owner, title, time.Now().UTC())
			return true, err
		},
		func(tx *gorm.DB) error {
			if !hidden {
				return nil
			}
			_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
				"DELETE FROM documents WHERE owner_id = ? AND title = ?", owner, title)
			return err
		},
	)
}

// RaceVersionInsert makes the next version insert on db collide with a
// competing version that took the same number.
func RaceVersionInsert(t *testing.T, db *gorm.DB) {
	t.Helper()
	loseInsertRace(t, db, "document_versions",
		func(tx *gorm.DB) (bool, error) {
			v, ok := tx.Statement.Dest.(*model.DocumentVersion)
			if !ok {
				return false, nil
			}
			_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
				`INSERT INTO document_versions
				(document_id, version_number, content_hash, chunk_policy, total_chunks, reused_chunks, new_chunks, created_at)
				VALUES (?, ?, ?, ?, 0, 0, 0, ?)`,
				v.DocumentID, v.VersionNumber, "competing", v.ChunkPolicy, time.Now().UTC())
			return true, err
		},
		func(*gorm.DB) error { return nil },
	)
}

func loseInsertRace(t *testing.T, db *gorm.DB, table string, insert func(*gorm.DB) (bool, error), remove func(*gorm.DB) error) {
	t.Helper()
	var (
		mu    sync.Mutex
		stage int
	)
	name := "testutil:race:" + table + ":" + t.Name()

	err := db.Callback().Create().Before("gorm:create").Register(name+":before", func(tx *gorm.DB) {
		mu.Lock()
		defer mu.Unlock()
		if stage != 0 || tx.Error != nil || tx.Statement.Table != table {
			return
		}
		fired, err := insert(tx)
		if err != nil {
			t.Errorf("insert competing %s row: %v", table, err)
		}
		if fired {
			stage = 1
		}
	})
	if err != nil {
		t.Fatalf("register race callback: %v", err)
	}

	err = db.Callback().Create().After("gorm:create").Register(name+":after", func(tx *gorm.DB) {
		mu.Lock()
		defer mu.Unlock()
		if stage != 1 || tx.Statement.Table != table {
			return
		}
		stage = 2
		if !errors.Is(tx.Error, gorm.ErrDuplicatedKey) {
			t.Errorf("expected duplicate key on %s, got %v", table, tx.Error)
			return
		}
		if err := remove(tx); err != nil {
			t.Errorf("remove competing %s row: %v", table, err)
		}
	})
	if err != nil {
		t.Fatalf("register race callback: %v", err)
	}
}
