package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIDNamespaces(t *testing.T) {
	now := time.Now()

	offline := NewOfflineID(now)
	temp := NewTempID(now)
	guest := NewGuestID(now)

	assert.True(t, IsOfflineID(offline))
	assert.True(t, IsTempID(temp))
	assert.True(t, IsGuestID(guest))

	for _, id := range []string{offline, temp, guest} {
		assert.True(t, IsLocalID(id))
	}
	assert.False(t, IsLocalID("64f1c2e9a1b2c3d4e5f60718"))
	assert.False(t, IsOfflineID(temp))
}

func TestLocalIDsUniqueWithinMillisecond(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewOfflineID(now)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
