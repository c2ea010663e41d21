package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"sort"
	"testing"
)

// backends opens a fresh instance of every BatchDB implementation.
var backends = map[string]func(t *testing.T) BatchDB{
	"memory": func(*testing.T) BatchDB { return NewMemory() },
	"badger": func(t *testing.T) BatchDB {
		db, err := NewBadger(t.TempDir())
		if err != nil {
			t.Fatalf("NewBadger: %v", err)
		}
		return db
	},
	"leveldb": func(t *testing.T) BatchDB {
		db, err := NewLevelDB(t.TempDir())
		if err != nil {
			t.Fatalf("NewLevelDB: %v", err)
		}
		return db
	},
	"prefix": func(t *testing.T) BatchDB {
		inner := NewMemory()
		// A neighbour namespace that must stay invisible.
		inner.Put([]byte("other/k1"), []byte("x"))
		return NewPrefixDB(inner, []byte("ns/"))
	},
}

func TestBackends(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			db := open(t)
			t.Cleanup(func() { db.Close() })
			runConformance(t, db)
		})
	}
}

func keysUnder(t *testing.T, db DB, prefix string) []string {
	t.Helper()
	var keys []string
	err := db.ForEach([]byte(prefix), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach(%q): %v", prefix, err)
	}
	sort.Strings(keys)
	return keys
}

func runConformance(t *testing.T, db BatchDB) {
	t.Run("Values", func(t *testing.T) {
		binKey := []byte{0x00, 0x01, 0xff}
		binVal := make([]byte, 256)
		for i := range binVal {
			binVal[i] = byte(i)
		}
		cases := []struct {
			key, val []byte
		}{
			{[]byte("k1"), []byte("v1")},
			{[]byte("empty"), []byte{}},
			{binKey, binVal},
		}
		for _, c := range cases {
			if err := db.Put(c.key, c.val); err != nil {
				t.Fatalf("Put(%x): %v", c.key, err)
			}
			got, err := db.Get(c.key)
			if err != nil || !bytes.Equal(got, c.val) {
				t.Errorf("Get(%x) = %x, %v; want %x", c.key, got, err, c.val)
			}
		}

		db.Put([]byte("k1"), []byte("v2"))
		if got, _ := db.Get([]byte("k1")); string(got) != "v2" {
			t.Errorf("after overwrite Get = %q, want v2", got)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if _, err := db.Get([]byte("absent")); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(absent) err = %v, want ErrNotFound", err)
		}
		if ok, err := db.Has([]byte("absent")); ok || err != nil {
			t.Errorf("Has(absent) = %v, %v", ok, err)
		}
		if err := db.Delete([]byte("absent")); err != nil {
			t.Errorf("Delete(absent): %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db.Put([]byte("gone"), []byte("v"))
		if ok, _ := db.Has([]byte("gone")); !ok {
			t.Fatal("Has = false after Put")
		}
		if err := db.Delete([]byte("gone")); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := db.Get([]byte("gone")); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after Delete err = %v", err)
		}
	})

	t.Run("ForEach", func(t *testing.T) {
		for _, k := range []string{"h/2", "h/1", "h/3", "hx"} {
			db.Put([]byte(k), []byte(k))
		}
		if got := keysUnder(t, db, "h/"); len(got) != 3 || got[0] != "h/1" || got[2] != "h/3" {
			t.Errorf("keys under h/ = %v", got)
		}
		if got := keysUnder(t, db, "nothing/"); len(got) != 0 {
			t.Errorf("keys under nothing/ = %v", got)
		}

		stop := errors.New("stop")
		calls := 0
		err := db.ForEach([]byte("h/"), func(_, _ []byte) error {
			calls++
			return stop
		})
		if !errors.Is(err, stop) || calls != 1 {
			t.Errorf("early stop: err=%v calls=%d", err, calls)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		db.Put([]byte("b/old"), []byte("x"))

		b := db.NewBatch()
		b.Put([]byte("b/a"), []byte("1"))
		b.Put([]byte("b/b"), []byte("2"))
		b.Delete([]byte("b/old"))
		if ok, _ := db.Has([]byte("b/a")); ok {
			t.Fatal("batch write visible before Commit")
		}
		if err := b.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if got := keysUnder(t, db, "b/"); len(got) != 2 || got[0] != "b/a" || got[1] != "b/b" {
			t.Errorf("keys after commit = %v", got)
		}
	})
}

func TestReopen(t *testing.T) {
	for _, backend := range []string{BackendBadger, BackendLevelDB} {
		t.Run(backend, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "chaindata")
			db, err := Open(backend, dir)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			b := db.NewBatch()
			b.Put([]byte("tip"), []byte("42"))
			if err := b.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}
			db.Close()

			db, err = Open(backend, dir)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer db.Close()
			if got, err := db.Get([]byte("tip")); err != nil || string(got) != "42" {
				t.Errorf("Get after reopen = %q, %v", got, err)
			}
		})
	}
}

func TestOpen_Backends(t *testing.T) {
	db, err := Open(BackendMemory, "")
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	if _, ok := db.(*MemoryDB); !ok {
		t.Errorf("Open(memory) = %T", db)
	}

	db, err = Open("", t.TempDir())
	if err != nil {
		t.Fatalf("Open(default): %v", err)
	}
	defer db.Close()
	if _, ok := db.(*BadgerDB); !ok {
		t.Errorf("default backend = %T, want *BadgerDB", db)
	}

	ldb, err := Open(BackendLevelDB, filepath.Join(t.TempDir(), "ldb"))
	if err != nil {
		t.Fatalf("Open(leveldb): %v", err)
	}
	defer ldb.Close()
	if _, ok := ldb.(*LevelDB); !ok {
		t.Errorf("Open(leveldb) = %T, want *LevelDB", ldb)
	}

	if _, err := Open("rocksdb", t.TempDir()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestOpen_Locked(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(BackendBadger, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := Open(BackendBadger, dir); err == nil {
		t.Error("second open of a locked directory succeeded")
	}
}
