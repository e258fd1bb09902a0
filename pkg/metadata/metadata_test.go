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

package metadata_test

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-eu/filestorage/pkg/metadata"
)

func TestExtractTextCountsLinesAndWords(t *testing.T) {
	sample := []byte("one two three\nfour five\n")
	res := metadata.Extract(sample, "notes.txt", "text/plain")

	assert.Equal(t, "text", res.Category)
	assert.Equal(t, 2, res.Attributes["line_count"])
	assert.Equal(t, 5, res.Attributes["word_count"])
}

func TestExtractPDFEncryptedFlag(t *testing.T) {
	sample := []byte("%PDF-1.4\n1 0 obj << /Encrypt 2 0 R >>\nendobj\n")
	res := metadata.Extract(sample, "secret.pdf", "application/pdf")

	assert.True(t, res.IsEncrypted)
	assert.Contains(t, res.AutoTags, "encrypted")
}

func TestExtractPDFInfoFields(t *testing.T) {
	sample := []byte("%PDF-1.4\n<< /Title (Annual Report) /Author (Jane Doe) /Count 12 >>\n")
	res := metadata.Extract(sample, "report.pdf", "application/pdf")

	assert.Equal(t, "Annual Report", res.Attributes["title"])
	assert.Equal(t, "Jane Doe", res.Attributes["author"])
	assert.Equal(t, "12", res.Attributes["page_count"])
}

func TestExtractOfficeXMLReadsCoreAndApp(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	core, _ := zw.Create("docProps/core.xml")
	_, _ = core.Write([]byte(`<?xml version="1.0"?><cp:coreProperties xmlns:cp="x" xmlns:dc="y"><dc:title>Budget</dc:title><dc:creator>Alice</dc:creator></cp:coreProperties>`))

	app, _ := zw.Create("docProps/app.xml")
	_, _ = app.Write([]byte(`<?xml version="1.0"?><Properties xmlns="x"><Pages>5</Pages><Words>900</Words></Properties>`))

	require.NoError(t, zw.Close())

	res := metadata.Result{Attributes: map[string]any{}}
	r := bytes.NewReader(buf.Bytes())
	require.NoError(t, metadata.ExtractOfficeXML(r, int64(r.Len()), &res))

	assert.Equal(t, "Budget", res.Attributes["title"])
	assert.Equal(t, "Alice", res.Attributes["creator"])
	assert.Equal(t, 5, res.Attributes["pages"])
	assert.Equal(t, 900, res.Attributes["words"])
}

func TestExtractGenericOctetStreamFallsBackToExtension(t *testing.T) {
	res := metadata.Extract([]byte("whatever"), "photo.jpg", "application/octet-stream")
	assert.Equal(t, "image", res.Category)
}

func TestExtractTextCountsWordsOnLongLine(t *testing.T) {
	sample := []byte(strings.Repeat("word ", 100))
	res := metadata.Extract(sample, "big.txt", "text/plain")
	assert.Equal(t, 100, res.Attributes["word_count"])
}
