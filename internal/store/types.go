package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// --- Sessions ---

type Session struct {
	ID        string     `db:"id" json:"id"`
	Title     string     `db:"title" json:"title"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	EndedAt   *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	RepoRoot  string     `db:"repo_root" json:"repo_root,omitempty"`
	Branch    string     `db:"branch" json:"branch,omitempty"`
	Commit    string     `db:"commit_sha" json:"commit,omitempty"`
	Tag       string     `db:"tag" json:"tag,omitempty"`
	// ConfigSource is the config file the proxy ran with.
	ConfigSource string `db:"config_source" json:"config_source,omitempty"`
}

// Ended reports whether session_end (or target exit) closed the session.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// SessionUpdate carries the mutable session fields; nil leaves a field as is.
type SessionUpdate struct {
	Title    *string
	Tag      *string
	RepoRoot *string
}

type SessionFilter struct {
	Tag   string
	Query string
	Since time.Time
	// HasBlocks and HasWarnings filter on step content when set.
	HasBlocks   *bool
	HasWarnings *bool
	Limit       int
}

// --- Steps ---

type StepKind string

const (
	KindToolCall        StepKind = "tool_call"
	KindToolResult      StepKind = "tool_result"
	KindNote            StepKind = "note"
	KindBlocker         StepKind = "blocker"
	KindBlockerDecision StepKind = "blocker_decision"
)

type StepStatus string

const (
	StatusOK    StepStatus = "ok"
	StatusError StepStatus = "error"
)

// Step is one observed protocol event. Steps are never updated after
// insert, except the decision column of a blocker step, which moves from
// pending to its terminal value exactly once.
type Step struct {
	Seq       int64      `db:"seq" json:"-"`
	ID        string     `db:"id" json:"id"`
	SessionID string     `db:"session_id" json:"session_id"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	Kind      StepKind   `db:"kind" json:"kind"`
	Name      string     `db:"name" json:"name"`
	Status    StepStatus `db:"status" json:"status"`
	// RequestID is the JSON-RPC id of the call, quotes kept for strings.
	RequestID  string `db:"request_id" json:"request_id,omitempty"`
	ParentID   string `db:"parent_id" json:"parent_id,omitempty"`
	PendingID  string `db:"pending_id" json:"pending_id,omitempty"`
	DurationMS *int64 `db:"duration_ms" json:"duration_ms,omitempty"`
	Summary    string `db:"summary" json:"summary,omitempty"`

	RiskLevel         string  `db:"risk_level" json:"risk_level,omitempty"`
	Warnings          Strings `db:"warnings" json:"warnings"`
	TargetType        string  `db:"target_type" json:"target_type,omitempty"`
	ToolCategory      string  `db:"tool_category" json:"tool_category,omitempty"`
	SQL               string  `db:"sql_text" json:"sql,omitempty"`
	SQLTruncated      bool    `db:"sql_truncated" json:"sql_truncated,omitempty"`
	SQLClassification string  `db:"sql_classification" json:"sql_classification,omitempty"`
	PolicyRuleIDs     Strings `db:"policy_rule_ids" json:"policy_rule_ids"`
	Decision          string  `db:"decision" json:"decision,omitempty"`

	ResultRowsShown  *int    `db:"result_rows_shown" json:"result_rows_shown,omitempty"`
	ResultRowsTotal  *int    `db:"result_rows_total" json:"result_rows_total,omitempty"`
	CapturedBytes    int     `db:"captured_bytes" json:"captured_bytes,omitempty"`
	PreviewText      string  `db:"preview_text" json:"preview_text,omitempty"`
	PreviewTruncated bool    `db:"preview_truncated" json:"preview_truncated,omitempty"`
	ErrorMessage     string  `db:"error_message" json:"error_message,omitempty"`
	TablesTouched    Strings `db:"tables_touched" json:"tables_touched"`

	Args   JSON `db:"args" json:"args,omitempty"`
	Result JSON `db:"result" json:"result,omitempty"`
}

// --- Pending requests ---

type PendingStatus string

const (
	PendingOpen    PendingStatus = "pending"
	PendingAllowed PendingStatus = "allowed"
	PendingDenied  PendingStatus = "denied"
	PendingTimeout PendingStatus = "timeout"
)

// Terminal reports whether s is a final state.
func (s PendingStatus) Terminal() bool {
	switch s {
	case PendingAllowed, PendingDenied, PendingTimeout:
		return true
	default:
		return false
	}
}

// ParsePendingStatus accepts the decision words used by the CLI as well
// as the stored values.
func ParsePendingStatus(s string) (PendingStatus, error) {
	switch s {
	case "pending":
		return PendingOpen, nil
	case "allow", "allowed":
		return PendingAllowed, nil
	case "deny", "denied":
		return PendingDenied, nil
	case "timeout":
		return PendingTimeout, nil
	default:
		return "", fmt.Errorf("unknown pending status %q", s)
	}
}

type PendingRequest struct {
	ID             string        `db:"id" json:"id"`
	SessionID      string        `db:"session_id" json:"session_id"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	ToolName       string        `db:"tool_name" json:"tool_name"`
	RequestID      string        `db:"request_id" json:"request_id,omitempty"`
	Arguments      JSON          `db:"arguments" json:"arguments,omitempty"`
	Classification string        `db:"classification" json:"classification,omitempty"`
	RiskLevel      string        `db:"risk_level" json:"risk_level,omitempty"`
	Reason         string        `db:"reason" json:"reason,omitempty"`
	BlockerStepID  string        `db:"blocker_step_id" json:"blocker_step_id"`
	Status         PendingStatus `db:"status" json:"status"`
	DecidedAt      *time.Time    `db:"decided_at" json:"decided_at,omitempty"`
}

// --- Casts ---

type Cast struct {
	ID            string    `db:"id" json:"id"`
	SessionID     string    `db:"session_id" json:"session_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	Kind          string    `db:"kind" json:"kind"`
	Title         string    `db:"title" json:"title"`
	OriginStepIDs Strings   `db:"origin_step_ids" json:"origin_step_ids"`
	SQL           string    `db:"sql_text" json:"sql,omitempty"`
	Columns       Strings   `db:"columns" json:"columns"`
	ColumnTypes   Strings   `db:"column_types" json:"column_types"`
	Rows          JSON      `db:"rows" json:"rows"`
	TotalRows     int       `db:"total_rows" json:"total_rows"`
	Truncated     bool      `db:"truncated" json:"truncated"`
}

// --- Rollup ---

type SummaryStatus string

const (
	SummaryClean    SummaryStatus = "clean"
	SummaryWarnings SummaryStatus = "warnings"
	SummaryBlocked  SummaryStatus = "blocked"
)

type Summary struct {
	SessionID       string        `json:"session_id"`
	ToolCalls       int           `json:"tool_calls"`
	Queries         int           `json:"queries"`
	Casts           int           `json:"casts"`
	Blocks          int           `json:"blocks"`
	Warnings        int           `json:"warnings"`
	Errors          int           `json:"errors"`
	TablesTouched   []string      `json:"tables_touched"`
	DurationMSTotal int64         `json:"duration_ms_total"`
	Status          SummaryStatus `json:"status"`
}

// --- Column types ---

// Strings is a string list stored as a JSON array.
type Strings []string

func (s Strings) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *Strings) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = Strings{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("store: cannot scan %T into Strings", src)
	}
	if len(data) == 0 {
		*s = Strings{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	if out == nil {
		out = []string{}
	}
	*s = out
	return nil
}

// JSON is a raw JSON document stored as TEXT. The zero value is SQL NULL.
type JSON json.RawMessage

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case string:
		*j = JSON(v)
	case []byte:
		*j = append(JSON(nil), v...)
	default:
		return fmt.Errorf("store: cannot scan %T into JSON", src)
	}
	return nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// MarshalJSON encodes v into a JSON column value.
func MarshalJSON(v interface{}) (JSON, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSON(data), nil
}

// --- Change feed ---

type EventKind string

const (
	EventSessionCreated  EventKind = "session_created"
	EventSessionUpdated  EventKind = "session_updated"
	EventSessionDeleted  EventKind = "session_deleted"
	EventStepAppended    EventKind = "step_appended"
	EventPendingCreated  EventKind = "pending_created"
	EventPendingResolved EventKind = "pending_resolved"
	EventCastAdded       EventKind = "cast_added"
)

// Event announces a committed write.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	StepID    string    `json:"step_id,omitempty"`
	PendingID string    `json:"pending_id,omitempty"`
	CastID    string    `json:"cast_id,omitempty"`
	At        time.Time `json:"at"`
}
