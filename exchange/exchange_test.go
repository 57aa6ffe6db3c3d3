package exchange

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCaseInsensitiveLookup(t *testing.T) {
	h := Header{"X-Trace-Id": {"a", "b"}}

	key, ok := h.Key("x-trace-id")
	require.True(t, ok)
	assert.Equal(t, "X-Trace-Id", key)
	assert.Equal(t, "a", h.Get("X-TRACE-ID"))
	assert.Equal(t, []string{"a", "b"}, h.Values("x-Trace-ID"))
	assert.True(t, h.Has("x-trace-id"))
	assert.False(t, h.Has("x-span-id"))
	assert.Empty(t, h.Get("x-span-id"))
}

func TestHeaderSetKeepsOriginalCasing(t *testing.T) {
	h := Header{"content-TYPE": {"text/plain"}}

	h.Set("Content-Type", "application/json")
	assert.Equal(t, Header{"content-TYPE": {"application/json"}}, h)

	h.Set("Accept", "*/*")
	assert.Equal(t, []string{"*/*"}, h["Accept"])
}

func TestHeaderAddAndDel(t *testing.T) {
	h := Header{"Via": {"1.1 a"}}
	h.Add("via", "1.1 b")
	h.Add("X-New", "x")

	assert.Equal(t, []string{"1.1 a", "1.1 b"}, h["Via"])
	assert.Equal(t, []string{"x"}, h["X-New"])

	h.Del("VIA")
	assert.False(t, h.Has("via"))
}

func TestHeaderCloneIsDeep(t *testing.T) {
	h := Header{"A": {"1"}}
	c := h.Clone()
	c["A"][0] = "2"
	c.Add("B", "3")

	assert.Equal(t, "1", h.Get("A"))
	assert.False(t, h.Has("B"))
	assert.Nil(t, Header(nil).Clone())
}

func TestHeaderHTTPRoundTrip(t *testing.T) {
	src := http.Header{"X-Lower": {"v"}}
	h := FromHTTP(src)
	src["X-Lower"][0] = "changed"

	assert.Equal(t, "v", h.Get("x-lower"))
	assert.Equal(t, []string{"v"}, h.HTTP()["X-Lower"])
	assert.Nil(t, FromHTTP(nil))
	assert.NotNil(t, Header(nil).HTTP())
}

func TestHeaderKeysSorted(t *testing.T) {
	h := Header{"b": nil, "A": nil, "c": nil}
	assert.Equal(t, []string{"A", "b", "c"}, h.Keys())
}

func TestSnapshotAccessors(t *testing.T) {
	boom := errors.New("boom")
	s := NewSnapshot(OriginTransport, http.MethodPost, "https://api.example.com/v1/orders?id=1").
		WithRequest(Header{"Content-Type": {"application/json"}}, String(`{"id":1}`)).
		WithResponse(http.StatusBadGateway, nil, String("bad gateway")).
		WithError(boom)

	assert.Equal(t, OriginTransport, s.Origin())
	assert.Equal(t, http.MethodPost, s.Method())
	assert.Equal(t, "/v1/orders", s.Path())
	assert.Equal(t, `{"id":1}`, *s.RequestBody())
	require.NotNil(t, s.ResponseStatus())
	assert.Equal(t, http.StatusBadGateway, *s.ResponseStatus())
	assert.NotNil(t, s.ResponseHeaders())
	assert.Equal(t, "bad gateway", *s.ResponseBody())
	assert.ErrorIs(t, s.Err(), boom)
}

func TestSnapshotWithoutResponse(t *testing.T) {
	s := NewSnapshot(OriginClient, http.MethodGet, "http://localhost/ping").WithPath("/ping/{id}")

	assert.Nil(t, s.ResponseStatus())
	assert.Nil(t, s.ResponseHeaders())
	assert.Nil(t, s.ResponseBody())
	assert.Nil(t, s.RequestBody())
	assert.NotNil(t, s.RequestHeaders())
	assert.Equal(t, "/ping/{id}", s.Path())
}

func TestIsSuccessStatus(t *testing.T) {
	code := func(c int) *int { return &c }

	assert.False(t, IsSuccessStatus(nil))
	assert.False(t, IsSuccessStatus(code(199)))
	assert.True(t, IsSuccessStatus(code(200)))
	assert.True(t, IsSuccessStatus(code(299)))
	assert.False(t, IsSuccessStatus(code(300)))
	assert.False(t, IsSuccessStatus(code(500)))
}

func TestBody(t *testing.T) {
	assert.Nil(t, Body(nil))
	require.NotNil(t, Body([]byte{}))
	assert.Equal(t, "", *Body([]byte{}))
	assert.Equal(t, "x", *Body([]byte("x")))
}
