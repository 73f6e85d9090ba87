package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"eventrouter/internal/config"

	"github.com/nats-io/nats.go"
)

const (
	headerTTL              = "Nats-TTL"
	headerExpectedLastSubj = "Nats-Expected-Last-Subject-Sequence"
	headerMarkerReason     = "Nats-Marker-Reason"
	headerKVOperation      = "KV-Operation"
)

// NATSStore persists state in JetStream KV buckets.
// Params: NATS connection, JetStream context, and KV bucket handles.
// Returns: KV-backed state store implementation.
type NATSStore struct {
	nc                    *nats.Conn
	js                    nats.JetStreamContext
	dataKV                nats.KeyValue
	expiringKV            nats.KeyValue
	settings              config.NATSStateConfig
	expiringStream        string
	expiringSubjectPrefix string
}

// NewNATSStore opens (or creates) KV buckets and returns NATS state backend.
// Params: NATS/JetStream settings derived from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	dataKV, err := openBucket(js, settings.DataBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	expiringKV, err := openBucket(js, settings.ExpiringBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if err := enableBucketPerMessageTTL(js, settings.ExpiringBucket); err != nil {
		nc.Close()
		return nil, fmt.Errorf("enable per-message ttl on expiring bucket: %w", err)
	}

	return &NATSStore{
		nc:                    nc,
		js:                    js,
		dataKV:                dataKV,
		expiringKV:            expiringKV,
		settings:              settings,
		expiringStream:        "KV_" + settings.ExpiringBucket,
		expiringSubjectPrefix: "$KV." + settings.ExpiringBucket + ".",
	}, nil
}

// openBucket binds an existing KV bucket or creates it when allowed.
func openBucket(js nats.JetStreamContext, bucket string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return kv, nil
}

// enableBucketPerMessageTTL ensures underlying KV stream allows Nats-TTL header.
// Params: JetStream context and KV bucket name.
// Returns: stream update error when config cannot be applied.
func enableBucketPerMessageTTL(js nats.JetStreamContext, bucket string) error {
	streamName := "KV_" + bucket
	info, err := js.StreamInfo(streamName)
	if err != nil {
		return err
	}
	if info.Config.AllowMsgTTL {
		return nil
	}
	cfg := info.Config
	cfg.AllowMsgTTL = true
	if cfg.SubjectDeleteMarkerTTL == 0 {
		cfg.SubjectDeleteMarkerTTL = 5 * time.Minute
	}
	_, err = js.UpdateStream(&cfg)
	return err
}

// Get reads one value and its KV revision.
// Params: key.
// Returns: value, revision, or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.dataKV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get %q: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// Put writes value unconditionally.
// Params: key and value.
// Returns: new KV revision.
func (s *NATSStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.dataKV.Put(key, value)
	if err != nil {
		return 0, fmt.Errorf("put %q: %w", key, err)
	}
	return rev, nil
}

// Create writes value only when key is absent or deleted.
// Params: key and value.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Create(_ context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.dataKV.Create(key, value)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || isWrongLastSequence(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("create %q: %w", key, err)
	}
	return rev, nil
}

// Update writes value using expected revision CAS.
// Params: key, expected revision, and replacement value.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Update(_ context.Context, key string, expectedRevision uint64, value []byte) (uint64, error) {
	rev, err := s.dataKV.Update(key, value, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || isWrongLastSequence(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update %q: %w", key, err)
	}
	return rev, nil
}

// Delete removes revisioned key.
// Params: key.
// Returns: delete error.
func (s *NATSStore) Delete(_ context.Context, key string) error {
	if err := s.dataKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys lists data bucket keys by prefix.
// Params: key prefix.
// Returns: sorted matching keys.
func (s *NATSStore) Keys(_ context.Context, prefix string) ([]string, error) {
	keys, err := s.dataKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SetExpiring publishes value into expiring bucket with per-message TTL.
// Params: key, value, and TTL (<=0 keeps the value until deleted).
// Returns: publish error.
func (s *NATSStore) SetExpiring(_ context.Context, key string, value []byte, ttl time.Duration) error {
	msg := s.expiringMsg(key, value, ttl)
	if _, err := s.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish expiring %q: %w", key, err)
	}
	return nil
}

// CreateExpiring publishes value only when the subject holds no live value.
// Params: key, value, and TTL.
// Returns: ErrConflict when a live value exists.
func (s *NATSStore) CreateExpiring(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expected uint64
	for attempt := 0; attempt < 3; attempt++ {
		msg := s.expiringMsg(key, value, ttl)
		msg.Header.Set(headerExpectedLastSubj, strconv.FormatUint(expected, 10))
		_, err := s.js.PublishMsg(msg)
		if err == nil {
			return nil
		}
		if !isWrongLastSequence(err) {
			return fmt.Errorf("create expiring %q: %w", key, err)
		}
		last, err := s.js.GetLastMsg(s.expiringStream, s.expiringSubjectPrefix+key)
		if err != nil {
			if errors.Is(err, nats.ErrMsgNotFound) {
				expected = 0
				continue
			}
			return fmt.Errorf("read last expiring %q: %w", key, err)
		}
		if !isTombstone(last.Header, last.Data) {
			return ErrConflict
		}
		expected = last.Sequence
	}
	return ErrConflict
}

func (s *NATSStore) expiringMsg(key string, value []byte, ttl time.Duration) *nats.Msg {
	msg := nats.NewMsg(s.expiringSubjectPrefix + key)
	msg.Data = value
	msg.Header = nats.Header{}
	if ttl > 0 {
		ms := ttl.Milliseconds()
		if ms < 1000 {
			ms = 1000
		}
		msg.Header.Set(headerTTL, strconv.FormatInt(ms, 10)+"ms")
	}
	return msg
}

// GetExpiring reads live expiring key.
// Params: key.
// Returns: value or ErrNotFound when absent, deleted, or expired.
func (s *NATSStore) GetExpiring(_ context.Context, key string) ([]byte, error) {
	entry, err := s.expiringKV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get expiring %q: %w", key, err)
	}
	return entry.Value(), nil
}

// DeleteExpiring removes expiring key.
// Params: key.
// Returns: delete error.
func (s *NATSStore) DeleteExpiring(_ context.Context, key string) error {
	if err := s.expiringKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete expiring %q: %w", key, err)
	}
	return nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// isTombstone reports whether stream message is a delete, purge, or expiry marker.
func isTombstone(header nats.Header, data []byte) bool {
	if header != nil {
		if header.Get(headerMarkerReason) != "" {
			return true
		}
		switch header.Get(headerKVOperation) {
		case "DEL", "PURGE":
			return true
		}
	}
	return len(data) == 0
}

func isWrongLastSequence(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}
