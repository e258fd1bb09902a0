// Copyright 2018-2021 CERN
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

// Package mime detects, normalizes and registers mime types by file
// extension, and maps mime types onto the coarse categories the metadata
// extractor and validation engine reason about.
package mime

import (
	"mime"
	"path"
	"strings"
	"sync"
)

const defaultMimeDir = "httpd/unix-directory"

var mimes sync.Map

// RegisterMime registers a mime type for the given extension, overriding
// whatever the standard library's built-in table says.
func RegisterMime(ext, mimeType string) {
	mimes.Store(strings.ToLower(ext), mimeType)
}

// Detect returns the mimetype associated with the given filename, falling
// back to application/octet-stream when nothing matches.
func Detect(isDir bool, fn string) string {
	if isDir {
		return defaultMimeDir
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(fn), "."))

	mimeType := getCustomMime(ext)
	if mimeType == "" {
		mimeType = mime.TypeByExtension("." + ext)
		if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
			mimeType = strings.TrimSpace(mimeType[:idx])
		}
		if mimeType != "" {
			mimes.Store(ext, mimeType)
		}
	}

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return mimeType
}

// GetFileExts performs the inverse resolution from mimetype to file
// extensions, using only the extensions this package has seen or been told
// about.
func GetFileExts(mimeType string) []string {
	var found []string
	mimes.Range(func(e, m interface{}) bool {
		if m.(string) == mimeType {
			found = append(found, e.(string))
		}
		return true
	})
	return found
}

func getCustomMime(ext string) string {
	if m, ok := mimes.Load(ext); ok {
		return m.(string)
	}
	return ""
}

// variantAliases maps vendor/platform mime variants onto the canonical
// mime type the rest of the system reasons about — spec.md §4.2 step 3.
var variantAliases = map[string]string{
	"video/mov":       "video/quicktime",
	"video/m4v":       "video/mp4",
	"video/3gpp":      "video/mp4",
	"video/3gpp2":     "video/mp4",
	"video/x-ms-wmv":  "video/x-msvideo",
	"video/x-ms-asf":  "video/x-msvideo",
}

// Normalize maps a declared mime type onto its canonical form.
func Normalize(declared string) string {
	d := strings.ToLower(strings.TrimSpace(declared))
	if strings.HasPrefix(d, "video/3gpp") {
		return "video/mp4"
	}
	if strings.HasPrefix(d, "video/x-ms-") {
		if canon, ok := variantAliases[d]; ok {
			return canon
		}
		return "video/x-msvideo"
	}
	if canon, ok := variantAliases[d]; ok {
		return canon
	}
	return d
}

// Category is the coarse classification the metadata extractor (C3) and
// download content-disposition logic (§4.7) key off of.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryDocument Category = "document"
	CategoryText     Category = "text"
	CategoryArchive  Category = "archive"
	CategoryOther    Category = "other"
)

// CategoryOf classifies a mime type into a coarse category, falling back to
// the filename extension when the mime type is the generic
// application/octet-stream.
func CategoryOf(mimeType, filename string) Category {
	m := Normalize(mimeType)
	switch {
	case strings.HasPrefix(m, "image/"):
		return CategoryImage
	case strings.HasPrefix(m, "video/"):
		return CategoryVideo
	case strings.HasPrefix(m, "audio/"):
		return CategoryAudio
	case m == "application/pdf",
		strings.Contains(m, "officedocument"),
		strings.HasPrefix(m, "application/vnd.oasis.opendocument"),
		m == "application/msword",
		m == "application/vnd.ms-excel",
		m == "application/vnd.ms-powerpoint":
		return CategoryDocument
	case strings.HasPrefix(m, "text/"):
		return CategoryText
	case m == "application/zip", strings.Contains(m, "tar"), strings.Contains(m, "gzip"), strings.Contains(m, "7z"), strings.Contains(m, "rar"):
		return CategoryArchive
	}

	if m != "application/octet-stream" {
		return CategoryOther
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp", "bmp", "tiff", "heic":
		return CategoryImage
	case "mp4", "mov", "avi", "mkv", "webm", "m4v":
		return CategoryVideo
	case "mp3", "flac", "ogg", "wav", "m4a":
		return CategoryAudio
	case "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods", "odp":
		return CategoryDocument
	case "txt", "md", "csv", "log":
		return CategoryText
	case "zip", "tar", "gz", "7z", "rar":
		return CategoryArchive
	}
	return CategoryOther
}
