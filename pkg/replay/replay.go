// Package replay keeps an optional, best-effort append-only log of
// published Delta Messages, so a consumer that missed a stretch of the
// stream (or a backfill job) can reconstruct it offline. It sits outside
// the hot path: a Recorder that fails to append never blocks or fails the
// publish it is tapping.
package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/bridge/pkg/bridgeerr"
	"github.com/cuemby/bridge/pkg/delta"
	"github.com/cuemby/bridge/pkg/registry"
	bolt "go.etcd.io/bbolt"
)

// Recorder is a bucket-per-identifier append-only log: the bucket key is
// the message's sequence number in big-endian order (so bolt's natural
// key ordering is also sequence ordering), the value is the JSON-encoded
// delta.Message.
type Recorder struct {
	db *bolt.DB
}

// NewRecorder opens (creating if necessary) a bbolt database at
// filepath.Join(dataDir, "replay.db").
func NewRecorder(dataDir string) (*Recorder, error) {
	dbPath := filepath.Join(dataDir, "replay.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindIOError, "replay.NewRecorder", dbPath, err)
	}
	return &Recorder{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Append records msg under its identifier's bucket, creating the bucket on
// first use. Callers on the hot path should treat a non-nil error as
// "log and move on," never as a reason to fail the publish that triggered it.
func (r *Recorder) Append(msg delta.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindParseError, "replay.Append", string(msg.Identifier), err)
	}

	err = r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(msg.Identifier))
		if err != nil {
			return err
		}
		return b.Put(seqKey(msg.Seq), data)
	})
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.KindIOError, "replay.Append", string(msg.Identifier), err)
	}
	return nil
}

// Replay returns every recorded Message for identifier with Seq >= fromSeq,
// in ascending sequence order. An identifier with no bucket yet (nothing
// ever recorded for it) returns an empty slice, not an error.
func (r *Recorder) Replay(identifier registry.Identifier, fromSeq uint64) ([]delta.Message, error) {
	var out []delta.Message

	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(identifier))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if binary.BigEndian.Uint64(k) < fromSeq {
				return nil
			}
			var msg delta.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("decode recorded message at key %x: %w", k, err)
			}
			out = append(out, msg)
			return nil
		})
	})
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindIOError, "replay.Replay", string(identifier), err)
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
