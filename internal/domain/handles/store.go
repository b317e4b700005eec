package handles

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"go.uber.org/zap"

	"intentguard/internal/infra/logger"

	"github.com/go-faster/errors"
)

const (
	handlesBucketName             = "handles"
	dbOpenTimeout                 = time.Second
	dbFileMode        os.FileMode = 0o600
)

var handlesBucketBytes = []byte(handlesBucketName)

// Store — персистентное хранилище записей поверх bbolt.
// Ключ — нормализованное имя участника, значение — JSON записи.
type Store struct {
	db *bbolt.DB
}

// OpenStore открывает (или создаёт) файл базы и корневой бакет.
func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, errors.Wrap(err, "handles: ensure dir")
		}
	}
	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "handles: open db")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, bucketErr := tx.CreateBucketIfNotExists(handlesBucketBytes)
		return bucketErr
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "handles: ensure bucket")
	}
	return &Store{db: db}, nil
}

// Close закрывает файл базы данных.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadAll возвращает все сохранённые записи. Повреждённые значения пропускаются.
func (s *Store) LoadAll() ([]Handle, error) {
	var out []Handle
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(handlesBucketBytes)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(key, value []byte) error {
			var h Handle
			if err := json.Unmarshal(value, &h); err != nil {
				logger.Warn("handles: skipping corrupt record", zap.ByteString("key", key), zap.Error(err))
				return nil
			}
			out = append(out, h)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "handles: load")
	}
	return out, nil
}

// Put сохраняет запись под её нормализованным именем.
func (s *Store) Put(h Handle) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "handles: marshal")
	}
	key := []byte(normalizeName(h.Username))
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(handlesBucketBytes).Put(key, payload)
	})
	if err != nil {
		return errors.Wrap(err, "handles: put")
	}
	return nil
}

// Delete удаляет запись по имени; отсутствие ключа не ошибка.
func (s *Store) Delete(username string) error {
	key := []byte(normalizeName(username))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(handlesBucketBytes).Delete(key)
	})
	if err != nil {
		return errors.Wrap(err, "handles: delete")
	}
	return nil
}
