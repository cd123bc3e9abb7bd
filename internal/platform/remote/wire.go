package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// wireTime accepts the timestamp spellings of the system of record, which
// often omits the zone. Zoneless values are UTC.
type wireTime struct {
	time.Time
}

var wireLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseWireTime(s string) (time.Time, error) {
	for _, layout := range wireLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func (t *wireTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := parseWireTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// docID is the id of a document, which arrives as "_id" or "id", as a
// string or a number.
type docID struct {
	Mongo json.RawMessage `json:"_id"`
	Plain json.RawMessage `json:"id"`
}

func (d docID) String() string {
	for _, raw := range []json.RawMessage{d.Mongo, d.Plain} {
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		var oid struct {
			OID string `json:"$oid"`
		}
		if json.Unmarshal(raw, &oid) == nil && oid.OID != "" {
			return oid.OID
		}
		return string(bytes.Trim(raw, `"`))
	}
	return ""
}

// created is the body returned by create endpoints.
type created struct {
	docID
	Message string `json:"message"`
}
