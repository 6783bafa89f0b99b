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

package wiretime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundtrip(t *testing.T) {
	ts := New(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	raw, err := json.Marshal(ts)
	require.NoError(t, err)
	require.JSONEq(t, `{"t_s":1787918400}`, string(raw))

	var got Timestamp
	require.NoError(t, json.Unmarshal(raw, &got))
	require.True(t, got.T.Equal(ts.T))
}

func TestNever(t *testing.T) {
	raw, err := json.Marshal(Timestamp{T: Never})
	require.NoError(t, err)
	require.JSONEq(t, `{"t_s":"never"}`, string(raw))

	var got Timestamp
	require.NoError(t, json.Unmarshal([]byte(`{"t_s":"never"}`), &got))
	require.True(t, got.IsNever())
	require.True(t, got.T.After(time.Now().AddDate(1000, 0, 0)))
}

func TestRejectsMalformed(t *testing.T) {
	for _, s := range []string{`{"t_s":"later"}`, `{"t_s":-5}`, `{"t_s":1.5}`, `{"t_s":null}`} {
		var got Timestamp
		require.Error(t, json.Unmarshal([]byte(s), &got), s)
	}
}
