// Copyright 2024 Google Inc. All Rights Reserved.
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

package webdav

import (
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// multistatus is the body of a 207 Multi-Status PROPFIND response.
type multistatus struct {
	Responses []response `xml:"response"`
}

// response describes one resource (the collection itself, or one child).
type response struct {
	Href  string `xml:"href"`
	Props prop   `xml:"propstat"`
}

// prop elides the (possibly repeated) <propstat> wrapper down to the
// fields this package cares about. Statuses from every propstat are kept
// so StatusOK can check the first of them, matching how servers report a
// mix of satisfied and unsatisfied properties in one response.
type prop struct {
	Status   []string  `xml:"DAV: status"`
	Name     string    `xml:"DAV: prop>displayname,omitempty"`
	Type     *xml.Name `xml:"DAV: prop>resourcetype>collection,omitempty"`
	Size     int64     `xml:"DAV: prop>getcontentlength,omitempty"`
	Modified rfc1123Time `xml:"DAV: prop>getlastmodified,omitempty"`
	ETag     string    `xml:"DAV: prop>getetag,omitempty"`
}

var parseStatus = regexp.MustCompile(`^HTTP/[0-9.]+\s+(\d+)`)

// StatusOK reports whether the propstat's status line indicates success.
// A response with no status at all is assumed OK, since some servers omit
// it entirely for the common case.
func (p *prop) StatusOK() bool {
	if len(p.Status) == 0 {
		return true
	}
	match := parseStatus.FindStringSubmatch(p.Status[0])
	if len(match) < 2 {
		return false
	}
	code, err := strconv.Atoi(match[1])
	if err != nil {
		return false
	}
	return code >= 200 && code < 300
}

func (p *prop) isCollection() bool {
	return p.Type != nil
}

// rfc1123Time decodes the handful of date formats real WebDAV servers are
// observed to send for getlastmodified, falling back to the Unix epoch
// (rather than failing the whole PROPFIND) when none match.
type rfc1123Time time.Time

var lastModifiedFormats = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.UnixDate,
	"Mon, _2 Jan 2006 15:04:05 MST", // optional leading zero on day-of-month
	time.RFC3339,
}

func (t *rfc1123Time) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var v string
	if err := d.DecodeElement(&v, &start); err != nil {
		return err
	}
	v = strings.TrimSpace(v)
	if v == "" {
		*t = rfc1123Time(time.Unix(0, 0))
		return nil
	}
	for _, format := range lastModifiedFormats {
		if parsed, err := time.Parse(format, v); err == nil {
			*t = rfc1123Time(parsed)
			return nil
		}
	}
	*t = rfc1123Time(time.Unix(0, 0))
	return nil
}
