// Copyright 2026 The Coinward Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wiretime handles the protocol representation of timestamps:
// an object {"t_s": <unix seconds>} with the string "never" standing in
// for the end of time.
package wiretime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Never is the in-memory stand-in for the "never" wire timestamp. It is
// far enough in the future to compare after any real deadline.
var Never = time.Unix(253402300799, 0) // 9999-12-31T23:59:59Z

// Timestamp is a protocol timestamp with second precision.
type Timestamp struct {
	T time.Time
}

// New truncates a time to protocol precision.
func New(t time.Time) Timestamp {
	if t.After(Never) || t.Equal(Never) {
		return Timestamp{T: Never}
	}
	return Timestamp{T: t.Truncate(time.Second)}
}

// IsNever reports whether the timestamp is the "never" sentinel.
func (ts Timestamp) IsNever() bool {
	return !ts.T.Before(Never)
}

type wireForm struct {
	TS any `json:"t_s"`
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsNever() {
		return json.Marshal(wireForm{TS: "never"})
	}
	return json.Marshal(wireForm{TS: ts.T.Unix()})
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var w wireForm
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch v := w.TS.(type) {
	case string:
		if v != "never" {
			return fmt.Errorf("invalid timestamp %q", v)
		}
		ts.T = Never
	case float64:
		if v < 0 || v != float64(int64(v)) {
			return fmt.Errorf("invalid timestamp %v", v)
		}
		ts.T = time.Unix(int64(v), 0)
	default:
		return fmt.Errorf("invalid timestamp of type %T", w.TS)
	}
	return nil
}
