// Package replay re-issues recorded exchanges and judges the outcome.
//
// A Descriptor is built from a stored audit.Record (and, for scheduled
// retries, its audit.RetryJob). Its rewrite pipeline adjusts the URL,
// headers and body; Build turns it into a plain Request for an adapter to
// send. The adapter wraps whatever came back in a Result, which decides
// success and produces the updated job and the retry audit record.
package replay

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/gaborage/go-reqlog/audit"
	"github.com/gaborage/go-reqlog/exchange"
)

// MarkerHeader is attached to every replayed request so an instrumented
// receiver does not audit replayed traffic again.
const MarkerHeader = "X-Request-Log-Retry"

// ErrInvalidDescriptor is returned when a descriptor cannot produce a request.
var ErrInvalidDescriptor = errors.New("replay: invalid descriptor")

// Headers the transport computes itself; they are dropped from replays and
// cannot be rewritten.
var managedHeaders = []string{"Content-Length", "Host", "Transfer-Encoding", "Connection"}

// IsManagedHeader reports whether name is computed by the transport.
func IsManagedHeader(name string) bool {
	for _, h := range managedHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// rewrite holds an optional transform; constants are stored as functions
// ignoring their input.
type rewrite[T any] struct {
	fn func(T) T
}

func (r *rewrite[T]) set(v T) {
	r.fn = func(T) T { return v }
}

func (r *rewrite[T]) mapWith(f func(T) T) {
	if f != nil {
		r.fn = f
	}
}

func (r rewrite[T]) active() bool { return r.fn != nil }

func (r rewrite[T]) apply(v T) T {
	if r.fn == nil {
		return v
	}
	return r.fn(v)
}

type headerOp struct {
	name  string
	value string
}

// Descriptor describes how to re-issue a recorded exchange. Setters return
// the descriptor for chaining. A descriptor is not safe for concurrent
// mutation.
type Descriptor struct {
	record *audit.Record
	job    *audit.RetryJob

	fullURL  rewrite[string]
	scheme   rewrite[string]
	userInfo rewrite[string]
	host     rewrite[string]
	port     rewrite[int]
	path     rewrite[string]
	query    rewrite[string]
	fragment rewrite[string]

	headerRewrites []headerOp
	headerAppends  []headerOp

	body     func(*string) *string
	tolerate func(error) bool
	success  func(exchange.Exchange) bool
}

// New describes a replay of rec. job may be nil for a one-off replay.
func New(rec *audit.Record, job *audit.RetryJob) *Descriptor {
	return &Descriptor{record: rec, job: job}
}

// ForJob describes a replay of a scheduled job's record.
func ForJob(job *audit.RetryJob) *Descriptor {
	if job == nil {
		return New(nil, nil)
	}
	return New(job.Record, job)
}

func (d *Descriptor) Record() *audit.Record { return d.record }
func (d *Descriptor) Job() *audit.RetryJob  { return d.job }

// WithURL replaces the whole URL. It takes precedence over every component
// rewrite.
func (d *Descriptor) WithURL(raw string) *Descriptor { d.fullURL.set(raw); return d }

// MapURL derives the whole URL from the recorded one.
func (d *Descriptor) MapURL(fn func(string) string) *Descriptor { d.fullURL.mapWith(fn); return d }

func (d *Descriptor) WithScheme(s string) *Descriptor              { d.scheme.set(s); return d }
func (d *Descriptor) MapScheme(fn func(string) string) *Descriptor { d.scheme.mapWith(fn); return d }

// WithUserInfo sets "user" or "user:password"; empty removes it.
func (d *Descriptor) WithUserInfo(s string) *Descriptor              { d.userInfo.set(s); return d }
func (d *Descriptor) MapUserInfo(fn func(string) string) *Descriptor { d.userInfo.mapWith(fn); return d }

func (d *Descriptor) WithHost(s string) *Descriptor              { d.host.set(s); return d }
func (d *Descriptor) MapHost(fn func(string) string) *Descriptor { d.host.mapWith(fn); return d }

// WithPort sets the port; 0 removes an explicit port.
func (d *Descriptor) WithPort(p int) *Descriptor           { d.port.set(p); return d }
func (d *Descriptor) MapPort(fn func(int) int) *Descriptor { d.port.mapWith(fn); return d }

// WithPath sets the unescaped path.
func (d *Descriptor) WithPath(s string) *Descriptor              { d.path.set(s); return d }
func (d *Descriptor) MapPath(fn func(string) string) *Descriptor { d.path.mapWith(fn); return d }

// WithQuery sets the raw, already encoded query without the leading '?'.
func (d *Descriptor) WithQuery(s string) *Descriptor              { d.query.set(s); return d }
func (d *Descriptor) MapQuery(fn func(string) string) *Descriptor { d.query.mapWith(fn); return d }

func (d *Descriptor) WithFragment(s string) *Descriptor              { d.fragment.set(s); return d }
func (d *Descriptor) MapFragment(fn func(string) string) *Descriptor { d.fragment.mapWith(fn); return d }

// RewriteHeader replaces a recorded header, matching its name
// case-insensitively and keeping the recorded casing, or adds it when absent.
// Empty names or values and transport-managed headers are ignored.
func (d *Descriptor) RewriteHeader(name, value string) *Descriptor {
	if acceptHeader(name, value) {
		d.headerRewrites = append(d.headerRewrites, headerOp{name: name, value: value})
	}
	return d
}

// AppendHeader adds another value under name, after all rewrites.
func (d *Descriptor) AppendHeader(name, value string) *Descriptor {
	if acceptHeader(name, value) {
		d.headerAppends = append(d.headerAppends, headerOp{name: name, value: value})
	}
	return d
}

func acceptHeader(name, value string) bool {
	return strings.TrimSpace(name) != "" && value != "" && !IsManagedHeader(name)
}

// MapBody transforms the recorded body. fn receives nil when nothing was
// recorded and may return a body anyway.
func (d *Descriptor) MapBody(fn func(*string) *string) *Descriptor {
	d.body = fn
	return d
}

// WithBody replaces the recorded body.
func (d *Descriptor) WithBody(body string) *Descriptor {
	return d.MapBody(func(*string) *string { return &body })
}

// TolerateErrors marks replay errors for which fn returns true as acceptable
// outcomes.
func (d *Descriptor) TolerateErrors(fn func(error) bool) *Descriptor {
	d.tolerate = fn
	return d
}

// SucceedWhen replaces the default 2xx success check.
func (d *Descriptor) SucceedWhen(fn func(exchange.Exchange) bool) *Descriptor {
	d.success = fn
	return d
}

// Marker returns the value sent in MarkerHeader: the job ID when there is a
// job, otherwise the record ID.
func (d *Descriptor) Marker() string {
	if d.job != nil && d.job.ID != "" {
		return d.job.ID
	}
	if d.record != nil {
		return d.record.ID
	}
	return ""
}

// Validate reports whether the descriptor can produce a request.
func (d *Descriptor) Validate() error {
	switch {
	case d.record == nil:
		return fmt.Errorf("%w: no record", ErrInvalidDescriptor)
	case d.record.Method == "":
		return fmt.Errorf("%w: record %s has no method", ErrInvalidDescriptor, d.record.ID)
	case d.record.URL == "":
		return fmt.Errorf("%w: record %s has no url", ErrInvalidDescriptor, d.record.ID)
	}
	return nil
}

func (d *Descriptor) componentRewrites() bool {
	return d.scheme.active() || d.userInfo.active() || d.host.active() || d.port.active() ||
		d.path.active() || d.query.active() || d.fragment.active()
}

// URL applies the URL rewrites. With none set the recorded URL is returned
// verbatim.
func (d *Descriptor) URL() (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	original := d.record.URL

	if d.fullURL.active() {
		return d.fullURL.apply(original), nil
	}
	if !d.componentRewrites() {
		return original, nil
	}

	u, err := url.Parse(original)
	if err != nil {
		return "", fmt.Errorf("%w: parse recorded url: %v", ErrInvalidDescriptor, err)
	}

	scheme := d.scheme.apply(u.Scheme)
	userInfo := d.userInfo.apply(userInfoOf(u))
	host := d.host.apply(u.Hostname())
	port := d.port.apply(portOf(u))
	path := d.path.apply(u.Path)
	query := d.query.apply(u.RawQuery)
	fragment := d.fragment.apply(u.Fragment)

	out := &url.URL{
		Scheme:   scheme,
		User:     parseUserInfo(userInfo),
		Host:     joinHostPort(host, port),
		RawQuery: query,
		Fragment: fragment,
	}
	if d.path.active() {
		if path != "" && !strings.HasPrefix(path, "/") && out.Host != "" {
			path = "/" + path
		}
		out.Path = path
	} else {
		out.Path, out.RawPath = u.Path, u.RawPath
	}
	if !d.query.active() {
		out.ForceQuery = u.ForceQuery
	}
	if d.fragment.active() {
		return out.String(), nil
	}
	out.RawFragment = u.RawFragment
	// url.URL drops an empty fragment; keep the recorded trailing '#'.
	if u.Fragment == "" && strings.Contains(original, "#") {
		return out.String() + "#", nil
	}
	return out.String(), nil
}

// Headers returns the recorded request headers with managed headers removed
// and the rewrites and appends applied.
func (d *Descriptor) Headers() exchange.Header {
	h := exchange.Header{}
	if d.record != nil {
		h = d.record.RequestHeaders.Clone()
		if h == nil {
			h = exchange.Header{}
		}
	}
	for _, name := range managedHeaders {
		h.Del(name)
	}
	for _, op := range d.headerRewrites {
		h.Set(op.name, op.value)
	}
	for _, op := range d.headerAppends {
		h.Add(op.name, op.value)
	}
	return h
}

// Body returns the request body after the body rewrite.
func (d *Descriptor) Body() *string {
	var original *string
	if d.record != nil && d.record.RequestBody != nil {
		v := *d.record.RequestBody
		original = &v
	}
	if d.body == nil {
		return original
	}
	return d.body(original)
}

// Build produces the request to send. A non-empty marker is set as
// MarkerHeader, replacing any recorded value.
func (d *Descriptor) Build(marker string) (*Request, error) {
	target, err := d.URL()
	if err != nil {
		return nil, err
	}
	h := d.Headers()
	if marker != "" {
		h.Set(MarkerHeader, marker)
	}
	return &Request{
		Method: d.record.Method,
		URL:    target,
		Header: h,
		Body:   d.Body(),
	}, nil
}

func userInfoOf(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	return u.User.String()
}

func parseUserInfo(s string) *url.Userinfo {
	if s == "" {
		return nil
	}
	name, password, hasPassword := strings.Cut(s, ":")
	if n, err := url.PathUnescape(name); err == nil {
		name = n
	}
	if !hasPassword {
		return url.User(name)
	}
	if p, err := url.PathUnescape(password); err == nil {
		password = p
	}
	return url.UserPassword(name, password)
}

func portOf(u *url.URL) int {
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		return 0
	}
	return p
}

func joinHostPort(host string, port int) string {
	if port > 0 {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
