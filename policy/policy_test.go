package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldCache(t *testing.T) {
	engine := New(Config{
		Patterns: []string{
			"https://cdn.example.com/*",
			"*.js",
			"static",
		},
	})

	cases := []struct {
		url     string
		matches bool
	}{
		{"https://cdn.example.com/logo.png", true},
		{"https://CDN.EXAMPLE.COM/logo.png", true},
		{"https://other.example.com/app.js", true},
		{"https://other.example.com/app.js?v=2", false}, // suffix pattern requires the URL to end in .js
		{"https://example.com/static/site.css", true},   // bare pattern is a contains match
		{"https://example.com/index.html", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.matches, engine.ShouldCache(c.url), c.url)
	}
}

func TestShouldCacheSkipsMalformedPatterns(t *testing.T) {
	engine := New(Config{
		Patterns: []string{"", "*", "**", "https://good.example.com/*"},
	})

	assert.Len(t, engine.matchers, 1)
	assert.True(t, engine.ShouldCache("https://good.example.com/a"))
	assert.False(t, engine.ShouldCache("https://bad.example.com/a"))
}

func TestClassifyBoundaries(t *testing.T) {
	engine := New(Config{
		FreshWindow: time.Minute,
		StaleWindow: time.Minute,
	})
	now := time.Now()

	cases := []struct {
		age  time.Duration
		want State
	}{
		{0, StateFresh},
		{30 * time.Second, StateFresh},
		{time.Minute, StateFresh}, // lower edge inclusive
		{time.Minute + time.Nanosecond, StateStale},
		{90 * time.Second, StateStale},
		{2 * time.Minute, StateStale}, // lower edge inclusive
		{2*time.Minute + time.Nanosecond, StateExpired},
		{time.Hour, StateExpired},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, engine.Classify(now.Add(-c.age), now), c.age.String())
	}
}

func TestIsCacheableResponse(t *testing.T) {
	engine := New(Config{Patterns: []string{"https://cdn.example.com/*"}})

	assert.True(t, engine.IsCacheableResponse(200, "https://cdn.example.com/a"))
	assert.True(t, engine.IsCacheableResponse(204, "https://cdn.example.com/a"))
	assert.True(t, engine.IsCacheableResponse(299, "https://cdn.example.com/a"))
	assert.False(t, engine.IsCacheableResponse(199, "https://cdn.example.com/a"))
	assert.False(t, engine.IsCacheableResponse(304, "https://cdn.example.com/a"))
	assert.False(t, engine.IsCacheableResponse(500, "https://cdn.example.com/a"))
	assert.False(t, engine.IsCacheableResponse(200, "https://other.example.com/a"))
}
