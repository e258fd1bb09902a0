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

package validation_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/validation"
)

func baseRules() validation.Rules {
	return validation.Rules{
		AllowedMimePrefixes: []string{"image/", "text/plain", "application/pdf", "application/zip"},
		BlockedExtensions:   map[string]bool{"exe": true, "sh": true, "docm": true},
		Signatures: []validation.Signature{
			{Magic: []byte("\xFF\xD8\xFF"), MimeType: "image/jpeg"},
		},
	}
}

func TestValidateUploadHappyPath(t *testing.T) {
	name, _, err := validation.ValidateUpload("../evil/photo.jpg", "image/jpeg", 1024, []byte("\xFF\xD8\xFF\xE0rest"), 1<<20, baseRules())
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", name)
}

func TestValidateUploadRejectsTooLarge(t *testing.T) {
	_, _, err := validation.ValidateUpload("a.jpg", "image/jpeg", 10<<20, nil, 1<<20, baseRules())
	require.Error(t, err)
	var tl errtypes.PayloadTooLarge
	assert.ErrorAs(t, err, &tl)
}

func TestValidateUploadRejectsBlockedExtension(t *testing.T) {
	_, _, err := validation.ValidateUpload("payload.exe", "application/octet-stream", 10, nil, 1<<20, baseRules())
	require.Error(t, err)
}

func TestValidateUploadRejectsDisallowedMime(t *testing.T) {
	_, _, err := validation.ValidateUpload("file.bin", "application/x-msdownload", 10, nil, 1<<20, baseRules())
	require.Error(t, err)
}

func TestValidateUploadRejectsExecutableMagic(t *testing.T) {
	rules := baseRules()
	rules.AllowedMimePrefixes = append(rules.AllowedMimePrefixes, "application/octet-stream")
	_, _, err := validation.ValidateUpload("file.bin", "application/octet-stream", 10, []byte("\x7fELF\x02\x01"), 1<<20, rules)
	require.Error(t, err)
}

func TestValidateUploadAcceptsZipForOfficeFormats(t *testing.T) {
	rules := baseRules()
	rules.AllowedMimePrefixes = append(rules.AllowedMimePrefixes, "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	name, _, err := validation.ValidateUpload(
		"report.docx",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		10,
		[]byte("PK\x03\x04restofzip"),
		1<<20,
		rules,
	)
	require.NoError(t, err)
	assert.Equal(t, "report.docx", name)
}

func TestValidateUploadRejectsScriptInjection(t *testing.T) {
	rules := baseRules()
	header := []byte("plain text\n<script>alert(1)</script>")
	_, _, err := validation.ValidateUpload("note.txt", "text/plain", 10, header, 1<<20, rules)
	require.Error(t, err)
}

func TestValidateUploadRejectsNulInText(t *testing.T) {
	header := append([]byte("hello"), 0x00, 'w', 'o', 'r', 'l', 'd')
	_, _, err := validation.ValidateUpload("note.txt", "text/plain", 10, header, 1<<20, baseRules())
	require.Error(t, err)
}

func TestValidateUploadRejectsHighEntropyText(t *testing.T) {
	// 255 distinct non-zero byte values: entropy log2(255) ~7.99
	// bits/byte, above the reject threshold, with no NUL byte to trip
	// the binary-content check first.
	random := make([]byte, 255)
	for i := range random {
		random[i] = byte(i + 1)
	}
	_, _, err := validation.ValidateUpload("note.txt", "text/plain", int64(len(random)), random, 1<<20, baseRules())
	require.Error(t, err)
}

func TestValidateUploadWarnsOnElevatedEntropyWithoutRejecting(t *testing.T) {
	// 200 distinct non-zero byte values, evenly repeated: entropy ~7.64
	// bits/byte, inside the (warn, reject] gap rather than maximal
	// (8 bits/byte) random noise.
	var sample []byte
	for i := 0; i < 3; i++ {
		for v := 1; v <= 200; v++ {
			sample = append(sample, byte(v))
		}
	}

	_, warnings, err := validation.ValidateUpload("note.txt", "text/plain", int64(len(sample)), sample, 1<<20, baseRules())
	require.NoError(t, err)
	require.NotEmpty(t, warnings)
}

func TestValidateUploadNormalizesMimeVariants(t *testing.T) {
	rules := baseRules()
	rules.AllowedMimePrefixes = append(rules.AllowedMimePrefixes, "video/quicktime")
	_, _, err := validation.ValidateUpload("clip.mov", "video/mov", 10, nil, 1<<20, rules)
	require.NoError(t, err)
}

func TestValidateUploadRejectsEmptyFilename(t *testing.T) {
	_, _, err := validation.ValidateUpload("...///", "text/plain", 10, nil, 1<<20, baseRules())
	require.Error(t, err)
}

func TestValidateUploadTruncatesLongFilename(t *testing.T) {
	long := strings.Repeat("a", 400) + ".txt"
	name, _, err := validation.ValidateUpload(long, "text/plain", 10, []byte("hi"), 1<<20, baseRules())
	require.NoError(t, err)
	assert.LessOrEqual(t, len(name), 255)
}
