package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID_Sanitizes(t *testing.T) {
	id, err := NewSessionID("Alice Smith", "")
	require.NoError(t, err)
	assert.Equal(t, SessionID("alice-smith"), id)

	id, err = NewSessionID("bob@example.com", "Data Lab")
	require.NoError(t, err)
	assert.Equal(t, SessionID("bob-example-com--data-lab"), id)
}

func TestNewSessionID_EmptyUser(t *testing.T) {
	_, err := NewSessionID("", "server")
	assert.ErrorIs(t, err, ErrEmptyID)
}

func TestParseSessionID(t *testing.T) {
	id, err := ParseSessionID("alice--lab")
	require.NoError(t, err)
	assert.Equal(t, SessionID("alice--lab"), id)

	_, err = ParseSessionID("")
	assert.ErrorIs(t, err, ErrEmptyID)

	_, err = ParseSessionID("Alice!")
	assert.Error(t, err)
}

func TestClusterHandle_IsValid(t *testing.T) {
	h := ClusterHandle{
		Session:     SessionID("alice"),
		Project:     "proj-1",
		Region:      "us-central1",
		ClusterName: ClusterName("dataprochub-alice"),
	}
	assert.True(t, h.IsValid())

	h.Project = ""
	assert.False(t, h.IsValid())
	assert.False(t, ClusterHandle{}.IsValid())
}
