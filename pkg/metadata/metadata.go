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

// Package metadata extracts structured attributes and auto-tags from the
// leading bytes of an upload (C3).
package metadata

import (
	fsmime "github.com/opencloud-eu/filestorage/pkg/mime"
)

// MaxSampleBytes is the amount of leading content C3 is handed (spec
// §4.3).
const MaxSampleBytes = 16 << 10

// Result is the structured output of Extract.
type Result struct {
	Category    string
	Attributes  map[string]any
	AutoTags    []string
	IsEncrypted bool
}

// Extract inspects up to MaxSampleBytes of sample plus filename and
// returns the category, attributes and auto-tags the rest of the system
// stores on FileMetadata.
func Extract(sample []byte, filename, declaredMime string) Result {
	if len(sample) > MaxSampleBytes {
		sample = sample[:MaxSampleBytes]
	}

	category := string(fsmime.CategoryOf(declaredMime, filename))

	res := Result{
		Category:   category,
		Attributes: map[string]any{"mime_type": fsmime.Normalize(declaredMime)},
	}

	switch category {
	case "image":
		extractImage(sample, &res)
	case "video":
		extractAV(sample, filename, &res)
	case "audio":
		extractAV(sample, filename, &res)
	case "document":
		extractDocument(sample, filename, &res)
	case "text":
		extractText(sample, &res)
	}

	return res
}

func addTag(res *Result, tag string) {
	for _, t := range res.AutoTags {
		if t == tag {
			return
		}
	}
	res.AutoTags = append(res.AutoTags, tag)
}
