package relay

import (
	"encoding/json"
	"time"
)

// Request is one logical request handed to the executor. Zero values inherit
// the executor defaults; Retries distinguishes "unset" from an explicit zero.
type Request struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	Timeout      time.Duration     `json:"-"`
	Retries      *int              `json:"retries,omitempty"`
	Cache        bool              `json:"cache,omitempty"`
	CacheTTL     time.Duration     `json:"-"`
	ForceRefresh bool              `json:"forceRefresh,omitempty"`
}

// ErrorKind classifies terminal failures so callers can branch without
// parsing messages.
type ErrorKind string

const (
	// ErrorTimeout marks an attempt that exceeded its deadline. Terminal by
	// design: a slow endpoint should not be hammered by retries that will
	// likely also time out.
	ErrorTimeout ErrorKind = "timeout"
	// ErrorRateLimited marks a 429 that survived every retry.
	ErrorRateLimited ErrorKind = "rate-limited"
	// ErrorServer marks a 5xx that survived every retry.
	ErrorServer ErrorKind = "server-error"
	// ErrorClient marks a terminal 4xx other than 429.
	ErrorClient ErrorKind = "client-error"
	// ErrorNetwork marks a transport failure that survived every retry.
	ErrorNetwork ErrorKind = "network"
	// ErrorOffline marks a read attempted while the network is unreachable.
	// Reads cannot be queued meaningfully, so this is terminal.
	ErrorOffline ErrorKind = "offline"
)

// Result is the structured outcome of Execute. Network and cache failures
// never escape as errors; they land here.
type Result struct {
	Success    bool            `json:"success"`
	Queued     bool            `json:"queued,omitempty"`
	FromCache  bool            `json:"fromCache,omitempty"`
	Status     int             `json:"status,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  ErrorKind       `json:"errorKind,omitempty"`
	RetryAfter time.Duration   `json:"-"`
	// RetryAfterMs mirrors RetryAfter for the JSON surface.
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

func failure(kind ErrorKind, status int, message string) Result {
	return Result{Status: status, Error: message, ErrorKind: kind}
}
