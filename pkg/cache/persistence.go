package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StorageKey is the record name the cache state is saved under
const StorageKey = "location_cache"

const gzipPrefix = "gz:"

// snapshot is the persisted cache state
type snapshot struct {
	Entries     []keyedEntry   `json:"entries"`
	AccessOrder []string       `json:"accessOrder"` // least recently used first
	Stats       persistedStats `json:"stats"`
	Timestamp   int64          `json:"timestamp"`
}

type persistedStats struct {
	HitCount  int64 `json:"hitCount"`
	MissCount int64 `json:"missCount"`
}

// keyedEntry encodes as a [key, entry] pair
type keyedEntry struct {
	Key   string
	Entry Entry
}

func (ke keyedEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{ke.Key, ke.Entry})
}

func (ke *keyedEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("cache entry must be a [key, value] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &ke.Key); err != nil {
		return fmt.Errorf("invalid cache key: %w", err)
	}
	return json.Unmarshal(pair[1], &ke.Entry)
}

// encodeSnapshot serializes s; payloads larger than threshold bytes are
// gzipped and base64 encoded behind a prefix. threshold <= 0 disables compression.
func encodeSnapshot(s *snapshot, threshold int) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache snapshot: %w", err)
	}
	if threshold <= 0 || len(raw) <= threshold {
		return string(raw), nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("failed to compress cache snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress cache snapshot: %w", err)
	}
	return gzipPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decodeSnapshot reverses encodeSnapshot
func decodeSnapshot(payload string) (*snapshot, error) {
	raw := []byte(payload)
	if strings.HasPrefix(payload, gzipPrefix) {
		compressed, err := base64.StdEncoding.DecodeString(payload[len(gzipPrefix):])
		if err != nil {
			return nil, fmt.Errorf("failed to decode compressed snapshot: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed snapshot: %w", err)
		}
		defer zr.Close()
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
		}
	}

	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache snapshot: %w", err)
	}
	return &s, nil
}
