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

// Package webdav is a minimal read-only client for the subset of the
// WebDAV protocol this filesystem needs: listing a collection with
// PROPFIND, stat'ing a single resource, and fetching a byte range of a
// resource's content with a ranged GET.
package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jacobsa/ratelimit"
	"golang.org/x/net/http2"
)

// ErrNotFound is returned when the server reports that a resource does
// not exist (HTTP 404, or a PROPFIND response whose status is not OK).
var ErrNotFound = errors.New("webdav: not found")

// Entry describes one child of a listed collection, or the result of a
// Stat call.
type Entry struct {
	// Name is the final path segment, URL-decoded.
	Name string
	// IsDir reports whether the entry is itself a collection.
	IsDir bool
	// Size is the content length in bytes; meaningless for directories.
	Size int64
	// ModTime is the server-reported last-modified time.
	ModTime time.Time
	// ETag is the server-reported entity tag, if any.
	ETag string
}

// Client talks to one WebDAV server rooted at BaseURL.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	username  string
	password  string
	opThrottle ratelimit.Throttle // nil disables per-operation rate limiting
}

// Option configures a Client.
type Option func(*Client)

// WithBasicAuth configures HTTP Basic authentication credentials.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient overrides the underlying *http.Client, e.g. to set a
// custom transport or timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithOpThrottle makes every PROPFIND/GET wait for a token from throttle
// before being issued, bounding the rate of operations against the
// server independent of how much data each one transfers.
func WithOpThrottle(throttle ratelimit.Throttle) Option {
	return func(c *Client) { c.opThrottle = throttle }
}

// New creates a Client rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("webdav: parse base url: %w", err)
	}
	transport := &http.Transport{}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("webdav: configuring HTTP/2 transport: %w", err)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Transport: transport},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolve(remotePath string) *url.URL {
	u := *c.baseURL
	u.Path = path.Join(u.Path, remotePath)
	return &u
}

func (c *Client) throttleOp(ctx context.Context) error {
	if c.opThrottle == nil {
		return nil
	}
	return c.opThrottle.Wait(ctx, 1)
}

func (c *Client) newRequest(ctx context.Context, method, remotePath string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(remotePath).String(), body)
	if err != nil {
		return nil, err
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

const propfindBody = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:displayname/>
    <D:resourcetype/>
    <D:getcontentlength/>
    <D:getlastmodified/>
    <D:getetag/>
  </D:prop>
</D:propfind>`

func (c *Client) propfind(ctx context.Context, remotePath string, depth string) (*multistatus, error) {
	req, err := c.newRequest(ctx, "PROPFIND", remotePath, strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", depth)
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)

	if err := c.throttleOp(ctx); err != nil {
		return nil, fmt.Errorf("webdav: PROPFIND %s: %w", remotePath, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webdav: PROPFIND %s: %w", remotePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("webdav: PROPFIND %s: %w", remotePath, ErrNotFound)
	}
	if resp.StatusCode != http.StatusMultiStatus && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webdav: PROPFIND %s: unexpected status %s", remotePath, resp.Status)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("webdav: PROPFIND %s: decode response: %w", remotePath, err)
	}
	return &ms, nil
}

// List returns the immediate children of the collection at remotePath.
func (c *Client) List(ctx context.Context, remotePath string) ([]Entry, error) {
	ms, err := c.propfind(ctx, remotePath, "1")
	if err != nil {
		return nil, err
	}

	selfHref := strings.TrimSuffix(c.resolve(remotePath).Path, "/")
	var entries []Entry
	for _, r := range ms.Responses {
		if !r.Props.StatusOK() {
			continue
		}
		href, err := url.PathUnescape(strings.TrimSuffix(r.Href, "/"))
		if err != nil {
			href = strings.TrimSuffix(r.Href, "/")
		}
		if href == selfHref {
			continue // the collection's own entry, not a child
		}
		entries = append(entries, entryFromProp(path.Base(href), r.Props))
	}
	return entries, nil
}

// Stat returns metadata for the single resource at remotePath.
func (c *Client) Stat(ctx context.Context, remotePath string) (Entry, error) {
	ms, err := c.propfind(ctx, remotePath, "0")
	if err != nil {
		return Entry{}, err
	}
	if len(ms.Responses) == 0 {
		return Entry{}, fmt.Errorf("webdav: stat %s: %w", remotePath, ErrNotFound)
	}
	r := ms.Responses[0]
	if !r.Props.StatusOK() {
		return Entry{}, fmt.Errorf("webdav: stat %s: %w", remotePath, ErrNotFound)
	}
	name := path.Base(strings.TrimSuffix(remotePath, "/"))
	if name == "." || name == "/" {
		name = ""
	}
	return entryFromProp(name, r.Props), nil
}

func entryFromProp(name string, p prop) Entry {
	return Entry{
		Name:    name,
		IsDir:   p.isCollection(),
		Size:    p.Size,
		ModTime: time.Time(p.Modified),
		ETag:    p.ETag,
	}
}

// GetRange fetches [offset, offset+length) of the resource at remotePath
// and returns a reader over those bytes. The server is asked for exactly
// that byte range via the Range header; if it ignores Range and returns
// the whole entity (status 200 rather than 206), the returned reader skips
// the first offset bytes and stops after length, so the caller still sees
// precisely the requested span.
//
// totalSize is the resource's full size as reported by the response
// (Content-Range's total for a 206, Content-Length for a 200 fallback).
// It is <= 0 when the server reports the resource as empty or omits
// enough information to tell; callers use that as a zero-length signal
// rather than reading the body.
func (c *Client) GetRange(ctx context.Context, remotePath string, offset, length int64) (rc io.ReadCloser, totalSize int64, err error) {
	req, err := c.newRequest(ctx, http.MethodGet, remotePath, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	if err := c.throttleOp(ctx); err != nil {
		return nil, 0, fmt.Errorf("webdav: GET %s: %w", remotePath, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("webdav: GET %s: %w", remotePath, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total := ContentLengthFromRange(resp.Header.Get("Content-Range"))
		return resp.Body, total, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("webdav: GET %s: %w", remotePath, ErrNotFound)
	case http.StatusOK:
		// Server does not support Range; fabricate a partial view so the
		// caller still gets exactly the bytes it asked for.
		return &limitedOffsetReader{rc: resp.Body, skip: offset, remaining: length}, resp.ContentLength, nil
	default:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("webdav: GET %s: unexpected status %s", remotePath, resp.Status)
	}
}

// limitedOffsetReader adapts a full-entity response body into one that
// behaves like a ranged fetch, for servers that ignore the Range header.
type limitedOffsetReader struct {
	rc        io.ReadCloser
	skip      int64
	remaining int64
}

func (l *limitedOffsetReader) Read(p []byte) (int, error) {
	for l.skip > 0 {
		discard := p
		if int64(len(discard)) > l.skip {
			discard = discard[:l.skip]
		}
		n, err := l.rc.Read(discard)
		l.skip -= int64(n)
		if err != nil {
			return 0, err
		}
	}
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.rc.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedOffsetReader) Close() error { return l.rc.Close() }

// ContentLengthFromRange parses a Content-Range response header of the
// form "bytes A-B/TOTAL" and returns TOTAL, or -1 if it cannot be parsed
// (e.g. the server sent "*" for an unknown total).
func ContentLengthFromRange(header string) int64 {
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 || idx+1 >= len(header) {
		return -1
	}
	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil {
		return -1
	}
	return total
}
