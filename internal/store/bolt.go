package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketControllers = []byte("controllers")
	bucketZones       = []byte("zones")
	bucketBridge      = []byte("bridge")
	keyIdentity       = []byte("identity")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketControllers, bucketZones, bucketBridge} {
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

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveController(ctl *Controller) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketControllers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketControllers)
		}
		data, err := json.Marshal(ctl)
		if err != nil {
			return err
		}
		return b.Put([]byte(ctl.Serial), data)
	})
}

func (s *BoltStore) GetController(serial string) (*Controller, error) {
	var ctl Controller
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketControllers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketControllers)
		}
		data := b.Get([]byte(serial))
		if data == nil {
			return fmt.Errorf("controller %s: %w", serial, ErrNotFound)
		}
		return json.Unmarshal(data, &ctl)
	})
	if err != nil {
		return nil, err
	}
	return &ctl, nil
}

func (s *BoltStore) DeleteController(serial string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketControllers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketControllers)
		}
		return b.Delete([]byte(serial))
	})
}

func (s *BoltStore) ListControllers() ([]*Controller, error) {
	var controllers []*Controller
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketControllers)
		if b == nil {
			return nil // no bucket = no controllers
		}
		controllers = make([]*Controller, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var ctl Controller
			if err := json.Unmarshal(v, &ctl); err != nil {
				return err
			}
			controllers = append(controllers, &ctl)
			return nil
		})
	})
	return controllers, err
}

func (s *BoltStore) SaveZone(z *Zone) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZones)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketZones)
		}
		data, err := json.Marshal(z)
		if err != nil {
			return err
		}
		return b.Put([]byte(z.Key), data)
	})
}

func (s *BoltStore) GetZone(key string) (*Zone, error) {
	var z Zone
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZones)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketZones)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("zone %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &z)
	})
	if err != nil {
		return nil, err
	}
	return &z, nil
}

func (s *BoltStore) DeleteZone(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZones)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketZones)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) ListZones() ([]*Zone, error) {
	var zones []*Zone
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZones)
		if b == nil {
			return nil
		}
		zones = make([]*Zone, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var z Zone
			if err := json.Unmarshal(v, &z); err != nil {
				return err
			}
			zones = append(zones, &z)
			return nil
		})
	})
	return zones, err
}

func (s *BoltStore) UpdateZone(key string, fn func(z *Zone) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZones)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketZones)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("zone %s: %w", key, ErrNotFound)
		}
		var z Zone
		if err := json.Unmarshal(data, &z); err != nil {
			return err
		}
		if err := fn(&z); err != nil {
			return err
		}
		updated, err := json.Marshal(&z)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), updated)
	})
}

func (s *BoltStore) SaveIdentity(id *Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBridge)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBridge)
		}
		// Use internal storage struct to persist the device id.
		st := identityStorage{
			DeviceID:  id.DeviceID,
			UserID:    id.UserID,
			CreatedAt: id.CreatedAt,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyIdentity, data)
	})
}

func (s *BoltStore) GetIdentity() (*Identity, error) {
	var id Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBridge)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBridge)
		}
		data := b.Get(keyIdentity)
		if data == nil {
			return fmt.Errorf("bridge identity: %w", ErrNotFound)
		}
		// Deserialize via internal storage struct to recover the device id.
		var st identityStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		id = Identity{
			DeviceID:  st.DeviceID,
			UserID:    st.UserID,
			CreatedAt: st.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
