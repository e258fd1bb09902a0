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

package metadata

import (
	"bytes"
	"strings"

	"github.com/hjfreyer/taglib-go/taglib"
)

// extractAV probes a sample of audio or video content for ID3-style
// tags. Full duration/bitrate probing requires demuxing the container
// past the 16 KiB sample C3 is handed, which taglib-go (the only tag
// library in the retrieved pack) does not do either — it only reads the
// tag frames, not stream headers — so duration and bitrate are left for
// a future dedicated prober and are not fabricated here.
func extractAV(sample []byte, filename string, res *Result) {
	tag, err := taglib.Decode(bytes.NewReader(sample), int64(len(sample)))
	if err != nil {
		return
	}

	tagged := false
	if v := strings.TrimSpace(tag.Title()); v != "" {
		res.Attributes["title"] = v
		tagged = true
	}
	if v := strings.TrimSpace(tag.Artist()); v != "" {
		res.Attributes["artist"] = v
		tagged = true
	}
	if v := strings.TrimSpace(tag.Album()); v != "" {
		res.Attributes["album"] = v
		tagged = true
	}
	if v := strings.TrimSpace(tag.Genre()); v != "" {
		res.Attributes["genre"] = v
		tagged = true
	}
	if tag.Track() > 0 {
		res.Attributes["track"] = tag.Track()
		tagged = true
	}

	if tagged {
		addTag(res, "tagged")
	}
}
