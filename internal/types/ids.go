package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Common errors for ID validation
var (
	ErrEmptyID = errors.New("ID cannot be empty")
)

var unsafeIDChars = regexp.MustCompile(`[^a-z0-9-]`)

// SessionID identifies one user's (optionally named) request for compute.
// It is independent of the cluster that currently backs it.
type SessionID string

// NewSessionID builds a SessionID from a username and an optional named-server
// suffix. The result is sanitized so it can be embedded in a cluster name:
// lowercased, with anything outside [a-z0-9-] replaced by '-'.
func NewSessionID(user, server string) (SessionID, error) {
	if user == "" {
		return "", ErrEmptyID
	}
	id := SanitizeName(user)
	if server != "" {
		id = id + "--" + SanitizeName(server)
	}
	return SessionID(id), nil
}

// ParseSessionID validates an already-joined session identifier, as received
// from the host over the API.
func ParseSessionID(id string) (SessionID, error) {
	if id == "" {
		return "", ErrEmptyID
	}
	if sanitized := SanitizeName(id); sanitized != id {
		return "", fmt.Errorf("session ID %q contains invalid characters", id)
	}
	return SessionID(id), nil
}

func (s SessionID) IsValid() bool {
	return s != ""
}

func (s SessionID) String() string {
	return string(s)
}

func (s SessionID) ZapField() zap.Field {
	if !s.IsValid() {
		return zap.Skip()
	}
	return zap.String("sessionID", string(s))
}

// SanitizeName maps an arbitrary string onto the character set allowed in
// cluster names and labels.
func SanitizeName(name string) string {
	return unsafeIDChars.ReplaceAllString(strings.ToLower(name), "-")
}

// ClusterName is the provider-visible name of a provisioned cluster.
type ClusterName string

func (c ClusterName) IsValid() bool {
	return c != ""
}

func (c ClusterName) String() string {
	return string(c)
}

func (c ClusterName) ZapField() zap.Field {
	if !c.IsValid() {
		return zap.Skip()
	}
	return zap.String("clusterName", string(c))
}

// ClusterHandle is the durable link between a session and its cloud resource.
// It is written once at successful submission and read by the poll and stop
// paths until teardown.
type ClusterHandle struct {
	Session     SessionID   `json:"session"`
	Project     string      `json:"project"`
	Region      string      `json:"region"`
	ClusterName ClusterName `json:"clusterName"`
	ClusterUUID string      `json:"clusterUUID,omitempty"`
}

func (h ClusterHandle) IsValid() bool {
	return h.Session.IsValid() && h.Project != "" && h.Region != "" && h.ClusterName.IsValid()
}

func (h ClusterHandle) ZapFields() []zap.Field {
	return []zap.Field{
		h.Session.ZapField(),
		h.ClusterName.ZapField(),
		zap.String("project", h.Project),
		zap.String("region", h.Region),
	}
}
