// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package multiplex implements fan-out of a session's persisted event log
// to live subscribers, with replay-on-attach and non-blocking publish so
// a slow client can never stall the child process.
package multiplex

import (
	"encoding/json"
	"time"
)

// Kind is the internal event vocabulary the bridge translates NDJSON
// frames into, the only thing the multiplexer and RPC layer deal in
// from here on.
type Kind string

const (
	KindSessionInfo       Kind = "session_info"
	KindTextDelta         Kind = "text_delta"
	KindToolCallStart     Kind = "tool_call_start"
	KindTurnComplete      Kind = "turn_complete"
	KindUsageReport       Kind = "usage_report"
	KindStatusChange      Kind = "status_change"
	KindPermissionRequest Kind = "permission_request"
	KindPermissionResult  Kind = "permission_result"
)

// Event is one sequenced, session-scoped item delivered to subscribers. It
// is the live-stream counterpart of storage.EventRecord; Sequence always
// matches the number storage.AppendEvent returned for the same payload.
type Event struct {
	SessionID string
	Sequence  int64
	Kind      Kind
	Payload   json.RawMessage
	CreatedAt time.Time
}

// SubscriberID names one attached client connection.
type SubscriberID string
