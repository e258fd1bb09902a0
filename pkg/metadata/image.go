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
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func extractImage(sample []byte, res *Result) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(sample))
	if err == nil {
		res.Attributes["width"] = cfg.Width
		res.Attributes["height"] = cfg.Height
		if cfg.Width > 1920 || cfg.Height > 1080 {
			addTag(res, "high-res")
		}
	}

	x, err := exif.Decode(bytes.NewReader(sample))
	if err != nil {
		return
	}
	addTag(res, "has-exif")

	exifAttrs := map[string]any{}
	for _, f := range []exif.FieldName{exif.ISOSpeedRatings, exif.Model, exif.DateTime, exif.FNumber, exif.ExposureTime} {
		tag, err := x.Get(f)
		if err != nil {
			continue
		}
		if s, err := tag.StringVal(); err == nil {
			exifAttrs[string(f)] = s
		} else {
			exifAttrs[string(f)] = tag.String()
		}
	}
	if len(exifAttrs) > 0 {
		res.Attributes["exif"] = exifAttrs
	}
}
