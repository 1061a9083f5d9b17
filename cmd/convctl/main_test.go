package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 12))
	assert.Equal(t, "exactly-12ch", truncate("exactly-12ch", 12))
	assert.Equal(t, "this is a...", truncate("this is a long title that gets cut", 12))
}
