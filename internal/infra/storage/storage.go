// Package storage: локальное долговременное хранилище харвестера.
// В этом файле:
//   - EnsureDir: гарантирует наличие директории для целевого пути;
//   - BoltStore: небольшое key-value поверх bbolt для состояния, которое
//     обязано пережить рестарт процесса (например, отметка паузы после
//     сигнала троттлинга платформы).
package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"energy-harvester/internal/infra/logger"
)

const (
	// DefaultFilePerm: права на файл базы; доступ только владельцу процесса.
	DefaultFilePerm os.FileMode = 0o600
	// dbOpenTimeout ограничивает ожидание файловой блокировки bbolt.
	dbOpenTimeout = time.Second
	// stateBucket: бакет по умолчанию для служебных отметок.
	stateBucket = "state"
)

// ErrNotFound возвращается, если ключ отсутствует.
var ErrNotFound = errors.New("storage: key not found")

// EnsureDir гарантирует наличие каталога для указанного файла.
// Если путь не содержит директорию ("." или пустая строка), ничего не делает.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// BoltStore: key-value хранилище в одном бакете bbolt. Потокобезопасно
// (bbolt сериализует записи сам).
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

// OpenBolt открывает (или создаёт) файл базы и бакет bucket.
// Пустой bucket означает бакет по умолчанию.
func OpenBolt(path, bucket string) (*BoltStore, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	if clean == "" || clean == "." {
		return nil, errors.New("storage: db path is empty")
	}
	if err := EnsureDir(clean); err != nil {
		return nil, err
	}
	if bucket == "" {
		bucket = stateBucket
	}

	db, err := bbolt.Open(clean, DefaultFilePerm, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	store := &BoltStore{db: db, bucket: []byte(bucket)}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, errCreate := tx.CreateBucketIfNotExists(store.bucket)
		return errCreate
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}
	logger.Debugf("BoltStore: opened %s (bucket=%s)", clean, bucket)
	return store, nil
}

// Close закрывает файл базы. Повторный вызов безопасен.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Get возвращает копию значения key или ErrNotFound.
func (s *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put записывает значение key.
func (s *BoltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Delete удаляет key; отсутствие ключа не ошибка.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// GetTime читает момент времени, сохранённый PutTime (unix-миллисекунды, big-endian).
// Отсутствующий ключ даёт нулевое время и ok=false.
func (s *BoltStore) GetTime(key string) (time.Time, bool, error) {
	raw, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if len(raw) != 8 {
		return time.Time{}, false, fmt.Errorf("storage: key %q has %d bytes, want 8", key, len(raw))
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(raw))), true, nil
}

// PutTime сохраняет момент времени с точностью до миллисекунды.
func (s *BoltStore) PutTime(key string, t time.Time) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixMilli()))
	return s.Put(key, buf[:])
}
