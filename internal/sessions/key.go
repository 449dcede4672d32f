// Package sessions holds ephemeral per-citizen conversation state.
//
// Keys follow the format:
//
//	citizen:{channelKind}:{address}:{field}
//
// Where {field} is one of the Field* constants below. Everything under one
// citizen prefix can be purged at once with PurgeCitizen.
//
// Examples:
//
//	citizen:whatsapp:573001112233:verify:step
//	citizen:whatsapp:573001112233:buffer:msgs
package sessions

import (
	"fmt"
	"strings"
)

// Session fields.
const (
	FieldVerifyStep   = "verify:step"
	FieldVerifyName   = "verify:name"
	FieldVerifyLast   = "verify:last"
	FieldBufferMsgs   = "buffer:msgs"
	FieldBufferTarget = "buffer:target"
)

// PendingPrefix marks citizens with buffered messages awaiting a flush.
const PendingPrefix = "pending:"

// CitizenKey builds the session identity for a citizen on a channel.
func CitizenKey(channelKind, address string) string {
	return fmt.Sprintf("citizen:%s:%s", channelKind, address)
}

// Field builds the storage key for one field of a citizen session.
func Field(citizenKey, field string) string {
	return citizenKey + ":" + field
}

// PendingKey is the marker key for a citizen with buffered messages.
func PendingKey(citizenKey string) string {
	return PendingPrefix + citizenKey
}

// CitizenFromPending recovers the citizen key from a pending marker.
func CitizenFromPending(key string) (string, bool) {
	if !strings.HasPrefix(key, PendingPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, PendingPrefix), true
}

// ParseCitizenKey splits a citizen key into channel kind and address.
func ParseCitizenKey(key string) (channelKind, address string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "citizen" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
