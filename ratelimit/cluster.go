package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"goa.design/pulse/rmap"
)

// clusterMap is the subset of rmap.Map the cluster store needs, abstracting
// over goa.design/pulse/rmap.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
}

type rmapClusterMap struct{ m *rmap.Map }

func (c *rmapClusterMap) Get(key string) (string, bool) { return c.m.Get(key) }

func (c *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return c.m.SetIfNotExists(ctx, key, value)
}

func (c *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return c.m.TestAndSet(ctx, key, test, value)
}

// wireBucket is the serialized form of bucket+cooldown+active stored in the
// replicated map, compare-and-swapped as a unit so a single TestAndSet call
// is the atomic reservation primitive the shared-store case requires.
type wireBucket struct {
	WindowStartUnix int64 `json:"window_start_unix"`
	RPM             int   `json:"rpm"`
	TPM             int   `json:"tpm"`
	CooldownUnix    int64 `json:"cooldown_unix"`
	Active          bool  `json:"active"`
}

// ClusterStore coordinates reservations across processes using a Pulse
// replicated map: a compare-and-swap loop over a serialized bucket struct
// carrying RPM+TPM+cooldown+active together.
type ClusterStore struct {
	cm         clusterMap
	maxRetries int
	clock      func() time.Time
}

// NewClusterStore constructs a cluster-coordinated rate-limiter store backed
// by the given Pulse replicated map.
func NewClusterStore(m *rmap.Map) *ClusterStore {
	return &ClusterStore{cm: &rmapClusterMap{m: m}, maxRetries: 10, clock: time.Now}
}

func (s *ClusterStore) load(keyID string) (wireBucket, string, bool) {
	raw, ok := s.cm.Get(keyID)
	if !ok {
		return wireBucket{Active: true}, "", false
	}
	var wb wireBucket
	if err := json.Unmarshal([]byte(raw), &wb); err != nil {
		return wireBucket{Active: true}, raw, false
	}
	return wb, raw, true
}

func (s *ClusterStore) Reserve(keyID string, limits Limits, estimatedTokens int) (bool, Dimension, time.Duration, error) {
	ctx := context.Background()
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		wb, raw, existed := s.load(keyID)
		now := s.clock()

		if wb.CooldownUnix != 0 && now.Unix() < wb.CooldownUnix {
			return false, DimensionNone, time.Unix(wb.CooldownUnix, 0).Sub(now), nil
		}

		if wb.WindowStartUnix == 0 || now.Unix()-wb.WindowStartUnix >= 60 {
			wb.WindowStartUnix = now.Unix()
			wb.RPM = 0
			wb.TPM = 0
		}

		retryAfter := time.Unix(wb.WindowStartUnix+60, 0).Sub(now)
		if wb.RPM+1 > limits.RPMLimit {
			return false, DimensionRPM, retryAfter, nil
		}
		if wb.TPM+estimatedTokens > limits.TPMLimit {
			return false, DimensionTPM, retryAfter, nil
		}

		next := wb
		next.RPM++
		next.TPM += estimatedTokens
		nextRaw, err := json.Marshal(next)
		if err != nil {
			return false, DimensionNone, 0, fmt.Errorf("ratelimit: encode bucket: %w", err)
		}

		if !existed {
			ok, err := s.cm.SetIfNotExists(ctx, keyID, string(nextRaw))
			if err != nil {
				return false, DimensionNone, 0, err
			}
			if ok {
				return true, DimensionNone, 0, nil
			}
			continue // someone else created it first, retry with fresh read
		}

		result, err := s.cm.TestAndSet(ctx, keyID, raw, string(nextRaw))
		if err != nil {
			return false, DimensionNone, 0, err
		}
		if result == string(nextRaw) {
			return true, DimensionNone, 0, nil
		}
		// lost the race, retry
	}
	return false, DimensionNone, time.Second, fmt.Errorf("ratelimit: exhausted compare-and-swap retries for key %s", keyID)
}

func (s *ClusterStore) Correct(keyID string, actualTokens int) error {
	ctx := context.Background()
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		wb, raw, existed := s.load(keyID)
		if !existed {
			return nil
		}
		if actualTokens >= wb.TPM {
			return nil
		}
		next := wb
		next.TPM = actualTokens
		nextRaw, _ := json.Marshal(next)
		result, err := s.cm.TestAndSet(ctx, keyID, raw, string(nextRaw))
		if err != nil {
			return err
		}
		if result == string(nextRaw) {
			return nil
		}
	}
	return fmt.Errorf("ratelimit: exhausted compare-and-swap retries correcting key %s", keyID)
}

func (s *ClusterStore) Cooldown(keyID string, until time.Time) error {
	ctx := context.Background()
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		wb, raw, existed := s.load(keyID)
		next := wb
		next.CooldownUnix = until.Unix()
		next.Active = true
		nextRaw, _ := json.Marshal(next)
		if !existed {
			ok, err := s.cm.SetIfNotExists(ctx, keyID, string(nextRaw))
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			continue
		}
		result, err := s.cm.TestAndSet(ctx, keyID, raw, string(nextRaw))
		if err != nil {
			return err
		}
		if result == string(nextRaw) {
			return nil
		}
	}
	return fmt.Errorf("ratelimit: exhausted compare-and-swap retries cooling down key %s", keyID)
}

func (s *ClusterStore) HealthOf(keyID string) Health {
	wb, _, _ := s.load(keyID)
	now := s.clock()
	cooldownUntil := time.Unix(wb.CooldownUnix, 0)
	return Health{
		CooldownActive: wb.CooldownUnix != 0 && now.Before(cooldownUntil),
		CooldownUntil:  cooldownUntil,
		Active:         wb.Active,
	}
}

func (s *ClusterStore) SetActive(keyID string, active bool) error {
	ctx := context.Background()
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		wb, raw, existed := s.load(keyID)
		next := wb
		next.Active = active
		nextRaw, _ := json.Marshal(next)
		if !existed {
			ok, err := s.cm.SetIfNotExists(ctx, keyID, string(nextRaw))
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			continue
		}
		result, err := s.cm.TestAndSet(ctx, keyID, raw, string(nextRaw))
		if err != nil {
			return err
		}
		if result == string(nextRaw) {
			return nil
		}
	}
	return fmt.Errorf("ratelimit: exhausted compare-and-swap retries setting active for key %s", keyID)
}
