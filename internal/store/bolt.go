package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"node-provisioner/internal/firmware"
)

var (
	bucketRegistrations = []byte("registrations")
	bucketScripts       = []byte("scripts")
	bucketReports       = []byte("reports")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRegistrations, bucketScripts, bucketReports} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Delete([]byte(key))
	})
}

// list decodes every value of bucket in key order.
func list[T any](s *BoltStore, bucket []byte) ([]*T, error) {
	var out []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil // no bucket = nothing stored
		}
		out = make([]*T, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("%s %s: %w", bucket, k, err)
			}
			out = append(out, &item)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SaveRegistration(reg *Registration) error {
	if reg.SerialNumber == "" {
		return errors.New("registration without serial number")
	}
	now := s.now().UTC()
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = now
	}
	reg.UpdatedAt = now
	return s.put(bucketRegistrations, reg.SerialNumber, reg)
}

func (s *BoltStore) GetRegistration(serial string) (*Registration, error) {
	var reg Registration
	if err := s.get(bucketRegistrations, serial, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (s *BoltStore) DeleteRegistration(serial string) error {
	return s.delete(bucketRegistrations, serial)
}

func (s *BoltStore) ListRegistrations() ([]*Registration, error) {
	return list[Registration](s, bucketRegistrations)
}

func (s *BoltStore) UpdateRegistration(serial string, fn func(reg *Registration) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistrations)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRegistrations)
		}
		data := b.Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("registration %s: %w", serial, ErrNotFound)
		}
		var reg Registration
		if err := json.Unmarshal(data, &reg); err != nil {
			return err
		}
		if err := fn(&reg); err != nil {
			return err
		}
		reg.SerialNumber = serial
		reg.UpdatedAt = s.now().UTC()
		out, err := json.Marshal(&reg)
		if err != nil {
			return err
		}
		return b.Put([]byte(serial), out)
	})
}

// Registered implements firmware.Registrar. Unknown serial numbers are not
// registered.
func (s *BoltStore) Registered(_ context.Context, serial string) (firmware.TriState, string, error) {
	reg, err := s.GetRegistration(serial)
	if errors.Is(err, ErrNotFound) {
		return firmware.False, "", nil
	}
	if err != nil {
		return firmware.Unknown, "", err
	}
	if reg.Revoked {
		return firmware.False, "Registration of " + serial + " was revoked", nil
	}
	if reg.Owner != "" {
		return firmware.True, "Registered to " + reg.Owner, nil
	}
	return firmware.True, "", nil
}

func (s *BoltStore) PutScript(a *ArchivedScript) error {
	if a.ArchivedAt.IsZero() {
		a.ArchivedAt = s.now().UTC()
	}
	return s.put(bucketScripts, a.Name, a)
}

func (s *BoltStore) GetScript(name string) (*ArchivedScript, error) {
	var a ArchivedScript
	if err := s.get(bucketScripts, name, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) DeleteScript(name string) error {
	return s.delete(bucketScripts, name)
}

func (s *BoltStore) ListScripts() ([]*ArchivedScript, error) {
	return list[ArchivedScript](s, bucketScripts)
}

func (s *BoltStore) SaveReport(r *Report) error {
	if r.ReportedAt.IsZero() {
		r.ReportedAt = s.now().UTC()
	}
	return s.put(bucketReports, r.SerialNumber, r)
}

func (s *BoltStore) GetReport(serial string) (*Report, error) {
	var r Report
	if err := s.get(bucketReports, serial, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

var (
	_ Store               = (*BoltStore)(nil)
	_ firmware.Registrar = (*BoltStore)(nil)
)
