package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// settingEncryptionEnvVar names the environment variable holding the
// passphrase used to encrypt Setting payloads at rest. Unset or empty
// leaves Settings stored as plaintext JSON, matching prior behavior.
const settingEncryptionEnvVar = "FIELDBUS_SETTING_KEY"

var (
	bucketNodes         = []byte("nodes")
	bucketGroups        = []byte("groups")
	bucketSubscriptions = []byte("subscriptions")
)

// BoltStore implements Store on top of a single bbolt database file.
type BoltStore struct {
	db     *bolt.DB
	cipher *settingCipher // nil unless FIELDBUS_SETTING_KEY is set
}

// NewBoltStore opens (creating if absent) a bbolt database under
// dataDir and ensures its buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fieldbus.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketGroups, bucketSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, cipher: newSettingCipher(os.Getenv(settingEncryptionEnvVar))}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func groupKey(driver, name string) []byte {
	return []byte(driver + "\x00" + name)
}

func subscriptionKey(driver, app, group string) []byte {
	return []byte(driver + "\x00" + app + "\x00" + group)
}

// SaveNode upserts n, keyed by name. If the store was opened with an
// encryption passphrase, n.Setting is sealed before it touches disk.
func (s *BoltStore) SaveNode(n StoredNode) error {
	if s.cipher != nil {
		sealed, err := s.cipher.sealSetting(n.Setting)
		if err != nil {
			return fmt.Errorf("storage: seal setting for %q: %w", n.Name, err)
		}
		n.Setting = sealed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(n.Name), data)
	})
}

// GetNode returns the node record for name, with its Setting
// decrypted if the store holds an encryption passphrase.
func (s *BoltStore) GetNode(name string) (StoredNode, error) {
	var n StoredNode
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("storage: node not found: %s", name)
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return n, err
	}
	return n, s.openNodeSetting(&n)
}

// ListNodes returns every persisted node, in no particular order,
// with each Setting decrypted if the store holds an encryption
// passphrase.
func (s *BoltStore) ListNodes() ([]StoredNode, error) {
	var nodes []StoredNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n StoredNode
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i := range nodes {
		if err := s.openNodeSetting(&nodes[i]); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

func (s *BoltStore) openNodeSetting(n *StoredNode) error {
	if s.cipher == nil || len(n.Setting) == 0 {
		return nil
	}
	opened, err := s.cipher.openSetting(n.Setting)
	if err != nil {
		return fmt.Errorf("storage: open setting for %q: %w", n.Name, err)
	}
	n.Setting = opened
	return nil
}

// DeleteNode removes the node record for name, if present.
func (s *BoltStore) DeleteNode(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(name))
	})
}

// SaveGroup upserts g, keyed by (driver, name).
func (s *BoltStore) SaveGroup(g StoredGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGroups).Put(groupKey(g.Driver, g.Name), data)
	})
}

// ListGroups returns every group persisted for driver. An empty
// driver returns every group for every driver.
func (s *BoltStore) ListGroups(driver string) ([]StoredGroup, error) {
	var groups []StoredGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var g StoredGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			if driver == "" || g.Driver == driver {
				groups = append(groups, g)
			}
			return nil
		})
	})
	return groups, err
}

// DeleteGroup removes one driver's group record.
func (s *BoltStore) DeleteGroup(driver, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).Delete(groupKey(driver, name))
	})
}

// DeleteGroupsByDriver removes every group record belonging to driver,
// used when a driver node is deleted.
func (s *BoltStore) DeleteGroupsByDriver(driver string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		c := b.Cursor()
		prefix := []byte(driver + "\x00")
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveSubscription upserts s, keyed by (driver, app, group).
func (s *BoltStore) SaveSubscription(sub StoredSubscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSubscriptions).Put(subscriptionKey(sub.Driver, sub.App, sub.Group), data)
	})
}

// ListSubscriptions returns every persisted subscription.
func (s *BoltStore) ListSubscriptions() ([]StoredSubscription, error) {
	var subs []StoredSubscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(k, v []byte) error {
			var sub StoredSubscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

// DeleteSubscription removes one subscription record.
func (s *BoltStore) DeleteSubscription(driver, app, group string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete(subscriptionKey(driver, app, group))
	})
}

// DeleteSubscriptionsByDriver removes every subscription referencing
// driver, used when a driver node is deleted.
func (s *BoltStore) DeleteSubscriptionsByDriver(driver string) error {
	return s.deleteSubscriptionsWhere(func(sub StoredSubscription) bool { return sub.Driver == driver })
}

// DeleteSubscriptionsByApp removes every subscription belonging to
// app, used when an app node is deleted.
func (s *BoltStore) DeleteSubscriptionsByApp(app string) error {
	return s.deleteSubscriptionsWhere(func(sub StoredSubscription) bool { return sub.App == app })
}

func (s *BoltStore) deleteSubscriptionsWhere(match func(StoredSubscription) bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var sub StoredSubscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if match(sub) {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(s, prefix []byte) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}
