package feeds

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMalformedPayload is returned when the status payload is not a JSON array of feeds
var ErrMalformedPayload = errors.New("malformed feed status payload")

// timestampLayouts are tried in order. The engine emits zone-less timestamps in UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// ParseStatus parses the body of GET /system/feeds.
//
// Parsing is tolerant below the top level: a record that is not an object becomes a record
// without groups or full sync marker, a group with a missing, null or mistyped last_sync is
// unsynced, and a last_sync string that does not parse as a timestamp still counts as present.
// Only a body that is not a JSON array is rejected.
func ParseStatus(data []byte) ([]SyncRecordStatus, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedPayload)
	}

	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: expected array, got %s", ErrMalformedPayload, root.Type)
	}

	elems := root.Array()
	records := make([]SyncRecordStatus, 0, len(elems))
	for _, elem := range elems {
		records = append(records, parseRecord(elem))
	}
	return records, nil
}

func parseRecord(elem gjson.Result) SyncRecordStatus {
	var record SyncRecordStatus
	if !elem.IsObject() {
		return record
	}

	record.LastFullSync = parseTimestamp(elem.Get("last_full_sync"))

	groups := elem.Get("groups")
	if !groups.IsArray() {
		return record
	}
	groups.ForEach(func(_, g gjson.Result) bool {
		record.Groups = append(record.Groups, parseGroup(g))
		return true
	})
	return record
}

func parseGroup(g gjson.Result) SyncGroupStatus {
	if !g.IsObject() {
		return SyncGroupStatus{}
	}

	var group SyncGroupStatus
	if name := g.Get("name"); name.Type == gjson.String {
		group.Name = name.Str
	}
	group.LastSync = parseTimestamp(g.Get("last_sync"))
	return group
}

// parseTimestamp returns nil for absent, null, empty or non-string values
func parseTimestamp(v gjson.Result) *time.Time {
	if v.Type != gjson.String || v.Str == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v.Str); err == nil {
			return &t
		}
	}
	// Present but unreadable: still "has synced", with an unknown time.
	return &time.Time{}
}
