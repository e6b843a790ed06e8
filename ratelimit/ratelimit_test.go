package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveWithinLimitsSucceeds(t *testing.T) {
	s := NewMemoryStore()
	ok, dim, _, err := s.Reserve("k1", Limits{RPMLimit: 2, TPMLimit: 1000}, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DimensionNone, dim)
}

func TestReserveRejectsOverRPM(t *testing.T) {
	s := NewMemoryStore()
	limits := Limits{RPMLimit: 1, TPMLimit: 1000}
	ok, _, _, err := s.Reserve("k1", limits, 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, dim, retryAfter, err := s.Reserve("k1", limits, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, DimensionRPM, dim)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestReserveRejectsOverTPM(t *testing.T) {
	s := NewMemoryStore()
	limits := Limits{RPMLimit: 100, TPMLimit: 500}
	ok, dim, _, err := s.Reserve("k1", limits, 600)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, DimensionTPM, dim)
}

func TestReserveWindowRefreshesAfterAMinute(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.clock = func() time.Time { return now }

	limits := Limits{RPMLimit: 1, TPMLimit: 1000}
	ok, _, _, err := s.Reserve("k1", limits, 10)
	require.NoError(t, err)
	require.True(t, ok)

	s.clock = func() time.Time { return now.Add(2 * time.Minute) }
	ok, _, _, err = s.Reserve("k1", limits, 10)
	require.NoError(t, err)
	assert.True(t, ok, "bucket should have reset once the window elapsed")
}

func TestCooldownBlocksReservationUntilDeadline(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.clock = func() time.Time { return now }

	require.NoError(t, s.Cooldown("k1", now.Add(time.Minute)))
	ok, _, retryAfter, err := s.Reserve("k1", Limits{RPMLimit: 100, TPMLimit: 1000}, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retryAfter)

	s.clock = func() time.Time { return now.Add(2 * time.Minute) }
	ok, _, _, err = s.Reserve("k1", Limits{RPMLimit: 100, TPMLimit: 1000}, 10)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCorrectOnlyLowersTokenCount(t *testing.T) {
	s := NewMemoryStore()
	_, _, _, err := s.Reserve("k1", Limits{RPMLimit: 10, TPMLimit: 1000}, 500)
	require.NoError(t, err)

	require.NoError(t, s.Correct("k1", 100))
	ok, dim, _, err := s.Reserve("k1", Limits{RPMLimit: 10, TPMLimit: 300}, 150)
	require.NoError(t, err)
	assert.True(t, ok, "correction should have lowered the charged tokens below the new limit")
	assert.Equal(t, DimensionNone, dim)

	require.NoError(t, s.Correct("k1", 10000))
	health := s.HealthOf("k1")
	assert.True(t, health.Healthy())
}

func TestHealthOfReflectsCooldownAndActive(t *testing.T) {
	s := NewMemoryStore()
	assert.True(t, s.HealthOf("k1").Healthy())

	require.NoError(t, s.SetActive("k1", false))
	assert.False(t, s.HealthOf("k1").Healthy())

	require.NoError(t, s.SetActive("k1", true))
	require.NoError(t, s.Cooldown("k1", time.Now().Add(time.Hour)))
	health := s.HealthOf("k1")
	assert.True(t, health.CooldownActive)
	assert.False(t, health.Healthy())
}
