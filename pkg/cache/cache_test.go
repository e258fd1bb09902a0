// Copyright 2018-2022 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/download"
)

func TestTicketStorePutGetRevoke(t *testing.T) {
	tickets := NewTicketStore(time.Minute)

	handoff := download.Handoff{URL: "https://example.test/obj", ContentType: "text/plain"}
	tickets.Put("tk1", handoff)

	got, ok := tickets.Get("tk1")
	require.True(t, ok)
	require.Equal(t, handoff, got)

	tickets.Revoke("tk1")
	_, ok = tickets.Get("tk1")
	require.False(t, ok)
}

func TestTicketStoreExpires(t *testing.T) {
	tickets := NewTicketStore(20 * time.Millisecond)
	tickets.Put("tk1", download.Handoff{URL: "u"})

	require.Eventually(t, func() bool {
		_, ok := tickets.Get("tk1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCooldownStoreLocksOutAfterMaxTries(t *testing.T) {
	cooldown := NewCooldownStore(10, 3, time.Minute)

	require.True(t, cooldown.Allow("1.2.3.4"))
	cooldown.RecordFailure("1.2.3.4")
	cooldown.RecordFailure("1.2.3.4")
	require.True(t, cooldown.Allow("1.2.3.4"))
	cooldown.RecordFailure("1.2.3.4")
	require.False(t, cooldown.Allow("1.2.3.4"))
}

func TestCooldownStoreResetClearsFailures(t *testing.T) {
	cooldown := NewCooldownStore(10, 1, time.Minute)
	cooldown.RecordFailure("1.2.3.4")
	require.False(t, cooldown.Allow("1.2.3.4"))

	cooldown.Reset("1.2.3.4")
	require.True(t, cooldown.Allow("1.2.3.4"))
}
