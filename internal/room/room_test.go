package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomStringAndParse(t *testing.T) {
	for _, r := range []Room{Plan("42"), Group("g1"), User("u1"), Conversation("c9"), Notifications("u1"), System} {
		parsed, err := Parse(r.String())
		require.NoError(t, err, r.String())
		assert.Equal(t, r, parsed)
	}
	assert.Equal(t, "plan:42", Plan("42").String())
	assert.Equal(t, "system", System.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "plan", "plan:", "galaxy:1", "system:1"} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrInvalidRoom, raw)
	}
}
