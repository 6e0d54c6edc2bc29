package fleet

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

var (
	nodesBucket       = []byte("nodes")
	deploymentsBucket = []byte("deployments")
	metaBucket        = []byte("meta")
	activeDeployKey   = []byte("active_deployment")
)

// BoltStore keeps the registry in a single local file. It suits a single
// controller instance.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("bolt path is required")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{nodesBucket, deploymentsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateNode(_ context.Context, input CreateNodeInput) (node.Node, error) {
	created, err := newNode(input)
	if err != nil {
		return node.Node{}, err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(deploymentsBucket).Get(itob(input.DeploymentID)) == nil {
			return ErrNoDeployment
		}
		bucket := tx.Bucket(nodesBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next node id: %w", err)
		}
		created.ID = int64(seq)
		return putJSON(bucket, created.ID, created)
	})
	if err != nil {
		return node.Node{}, err
	}
	return created, nil
}

func (s *BoltStore) GetNode(_ context.Context, id int64) (node.Node, error) {
	var n node.Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(nodesBucket), id, &n, ErrNodeNotFound)
	})
	return n, err
}

func (s *BoltStore) ListNodes(_ context.Context, filter ListFilter) ([]node.Node, error) {
	out := make([]node.Node, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		// Keys are big-endian IDs, so the cursor walks in creation order.
		return tx.Bucket(nodesBucket).ForEach(func(_, v []byte) error {
			var n node.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decode node: %w", err)
			}
			if filter.matches(n) {
				out = append(out, n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) CountNodes(_ context.Context) (map[node.State]int, error) {
	out := make(map[node.State]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(_, v []byte) error {
			var record struct {
				State node.State `json:"state"`
			}
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("decode node: %w", err)
			}
			out[record.State]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) TransitionNode(_ context.Context, input TransitionInput) (node.Node, error) {
	var updated node.Node
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		var current node.Node
		if err := getJSON(bucket, input.NodeID, &current, ErrNodeNotFound); err != nil {
			return err
		}
		next, err := input.apply(current)
		if err != nil {
			return err
		}
		updated = next
		return putJSON(bucket, next.ID, next)
	})
	if err != nil {
		return node.Node{}, err
	}
	return updated, nil
}

func (s *BoltStore) RecordTerminateAttempt(_ context.Context, id int64, at time.Time) (node.Node, error) {
	var updated node.Node
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		if err := getJSON(bucket, id, &updated, ErrNodeNotFound); err != nil {
			return err
		}
		updated.TerminateAttempts++
		updated.LastTerminateAttemptAt = normalizeTime(at)
		return putJSON(bucket, id, updated)
	})
	if err != nil {
		return node.Node{}, err
	}
	return updated, nil
}

func (s *BoltStore) CreateDeployment(_ context.Context, image string) (Deployment, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return Deployment{}, errors.New("image is required")
	}

	now := time.Now().UTC()
	var created Deployment
	err := s.db.Update(func(tx *bbolt.Tx) error {
		deployments := tx.Bucket(deploymentsBucket)
		meta := tx.Bucket(metaBucket)

		if raw := meta.Get(activeDeployKey); raw != nil {
			var previous Deployment
			if err := getJSON(deployments, btoi(raw), &previous, ErrNoDeployment); err != nil {
				return err
			}
			previous.SupersededAt = &now
			if err := putJSON(deployments, previous.ID, previous); err != nil {
				return err
			}
		}

		seq, err := deployments.NextSequence()
		if err != nil {
			return fmt.Errorf("next deployment id: %w", err)
		}
		created = Deployment{ID: int64(seq), Image: image, CreatedAt: now}
		if err := putJSON(deployments, created.ID, created); err != nil {
			return err
		}
		return meta.Put(activeDeployKey, itob(created.ID))
	})
	if err != nil {
		return Deployment{}, err
	}
	return created, nil
}

func (s *BoltStore) ActiveDeployment(_ context.Context) (Deployment, error) {
	var active Deployment
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(activeDeployKey)
		if raw == nil {
			return ErrNoDeployment
		}
		return getJSON(tx.Bucket(deploymentsBucket), btoi(raw), &active, ErrNoDeployment)
	})
	return active, err
}

func putJSON(bucket *bbolt.Bucket, id int64, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", id, err)
	}
	return bucket.Put(itob(id), data)
}

func getJSON(bucket *bbolt.Bucket, id int64, out any, missing error) error {
	data := bucket.Get(itob(id))
	if data == nil {
		return missing
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode record %d: %w", id, err)
	}
	return nil
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
