package admin

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"peerflow/internal/categorize"
	"peerflow/internal/types"
)

// TaskName enumerates the supported admin tasks.
type TaskName string

const (
	TaskBackfillCategories TaskName = "backfill_categories"
	TaskBackfillIncoming   TaskName = "backfill_incoming"
	TaskBackfillAPIWise    TaskName = "backfill_api_wise"
	TaskBackfillAPIArch    TaskName = "backfill_api_arch"
)

// MaxArchBackfillDays caps a single Arch backfill request. Wider ranges
// must be split across invocations to stay within the execution time limit.
const MaxArchBackfillDays = 31

// TaskEvent is the envelope every admin task arrives in, whether via the
// Lambda invoke payload or the admin HTTP surface.
type TaskEvent struct {
	Name TaskName        `json:"name" validate:"required"`
	Task json.RawMessage `json:"task" validate:"required"`
}

// Date is a calendar day in ISO format ("2006-01-02"), without a time
// portion. The zero value means absent.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// UnmarshalJSON parses an ISO calendar date.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("invalid date %q: expected %s", s, dateLayout)
	}
	d.Time = parsed
	return nil
}

// MarshalJSON renders the ISO calendar date.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

// BackfillCategoriesTask re-runs categorization for one peer: previously
// categorized objects are backed up and removed, then every incoming object
// in the optional timestamp window is categorized again.
type BackfillCategoriesTask struct {
	PeerID         string `json:"peer_id" validate:"required"`
	CategoryID     string `json:"category_id,omitempty"`
	StartTimestamp string `json:"start_timestamp,omitempty"`
	EndTimestamp   string `json:"end_timestamp,omitempty"`
}

// BackfillIncomingTask re-runs upload post-processing for every object of
// one peer with the given extension, within the optional timestamp window.
type BackfillIncomingTask struct {
	PeerID         string `json:"peer_id" validate:"required"`
	Extension      string `json:"extension" validate:"required"`
	StartTimestamp string `json:"start_timestamp,omitempty"`
	EndTimestamp   string `json:"end_timestamp,omitempty"`
}

// BackfillAPIWiseTask re-fetches Wise balance statements for a span of
// calendar days. SubAccounts nil means all configured sub-accounts.
type BackfillAPIWiseTask struct {
	PeerID      string   `json:"peer_id" validate:"required"`
	StartDate   Date     `json:"start_date" validate:"required"`
	EndDate     Date     `json:"end_date" validate:"required"`
	SubAccounts []string `json:"sub_accounts,omitempty"`
}

// BackfillAPIArchTask re-fetches Arch entities for a span of calendar days.
// Entities nil means all enabled configured entities.
type BackfillAPIArchTask struct {
	PeerID    string   `json:"peer_id" validate:"required"`
	StartDate Date     `json:"start_date" validate:"required"`
	EndDate   Date     `json:"end_date" validate:"required"`
	Entities  []string `json:"entities,omitempty"`
}

// TaskResult summarizes one completed task. Only the fields relevant to the
// executed task are populated.
type TaskResult struct {
	// Fetched lists the object keys written by an API backfill.
	Fetched []string `json:"fetched,omitempty"`

	// Categorized lists the categorization outcomes of a category backfill.
	Categorized []categorize.Result `json:"categorized,omitempty"`

	// Processed maps each post-processing action to the object keys it
	// produced during an incoming backfill.
	Processed map[string][]string `json:"processed,omitempty"`
}

// parseTimestamp parses an optional ISO timestamp bound. Plain dates and
// RFC 3339 timestamps with or without zone are accepted.
func parseTimestamp(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", dateLayout} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return &parsed, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeValidationBadDateRange,
		fmt.Sprintf("unable to parse timestamp %q", value), nil)
}

// withinWindow reports whether an object's last-modified date falls inside
// the optional bounds. Objects without a known modification date pass.
func withinWindow(lastModified *time.Time, start, end *time.Time) bool {
	if lastModified == nil {
		return true
	}
	if start != nil && lastModified.Before(*start) {
		return false
	}
	return end == nil || !lastModified.After(*end)
}

// hasExtension reports whether the object key ends in the given extension
// (compared including the dot, case-insensitively).
func hasExtension(objectKey, extension string) bool {
	return strings.EqualFold(extensionOf(objectKey), extension)
}

func extensionOf(objectKey string) string {
	if idx := strings.LastIndex(objectKey, "."); idx >= 0 && idx > strings.LastIndex(objectKey, "/") {
		return objectKey[idx:]
	}
	return ""
}
