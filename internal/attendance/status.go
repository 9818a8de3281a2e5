package attendance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smileynet/attend/internal/api"
)

// DeriveStatus applies the backend's display-status rule: a lecture that has
// not started is upcoming; otherwise a summarized lecture is summarized;
// otherwise the attendance flag decides between attended and missed.
func DeriveStatus(start time.Time, hasSummary, attended bool, now time.Time) api.LectureStatus {
	switch {
	case start.After(now):
		return api.StatusUpcoming
	case hasSummary:
		return api.StatusSummarized
	case attended:
		return api.StatusAttended
	default:
		return api.StatusMissed
	}
}

// PatchLectures rewrites a cached lectures payload, setting the attendance
// flag of lectureID and re-deriving its status. The payload may be a JSON
// array of lectures or an object with a "results" array. Any other shape,
// or a payload with no matching lecture, is returned unchanged with
// changed=false.
func PatchLectures(data []byte, lectureID string, attended bool, now time.Time) (patched []byte, changed bool, err error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return data, false, fmt.Errorf("attendance: decoding cached lectures: %w", err)
	}

	var list []any
	switch v := doc.(type) {
	case []any:
		list = v
	case map[string]any:
		results, ok := v["results"].([]any)
		if !ok {
			return data, false, nil
		}
		list = results
	default:
		return data, false, nil
	}

	for _, item := range list {
		lec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := lec["id"].(string); id != lectureID {
			continue
		}
		lec["attended"] = attended
		lec["status"] = DeriveStatus(startOf(lec), truthy(lec["summary"]), attended, now)
		changed = true
	}
	if !changed {
		return data, false, nil
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return data, false, fmt.Errorf("attendance: encoding patched lectures: %w", err)
	}
	return out, true, nil
}

// startOf reads a lecture's start time from start_dt, startDt, or start.
// An unreadable start counts as not in the future.
func startOf(lec map[string]any) time.Time {
	for _, k := range []string{"start_dt", "startDt", "start"} {
		s, ok := lec[k].(string)
		if !ok {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		return time.Time{}
	}
	return time.Time{}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case json.Number:
		return x.String() != "0"
	default:
		return true
	}
}
