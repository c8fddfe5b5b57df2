package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullShape(t *testing.T) {
	full := Full()
	assert.True(t, strings.HasPrefix(full, "astra/"))
	assert.NotEqual(t, "astra/", full)

	// Stable across calls within one process.
	assert.Equal(t, full, Full())
}
