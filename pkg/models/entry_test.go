package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntryLive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.True(t, Entry{}.Live(now), "entries without expiry never expire")
	assert.True(t, Entry{ExpiresAt: &future}.Live(now))
	assert.False(t, Entry{ExpiresAt: &past}.Live(now))
	assert.False(t, Entry{ExpiresAt: &now}.Live(now), "expiry is exclusive")
}

func TestEntryTableName(t *testing.T) {
	assert.Equal(t, "dtypes_entries", Entry{}.TableName())
}
