package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, NormalizeLimit(0))
	assert.Equal(t, DefaultLimit, NormalizeLimit(-4))
	assert.Equal(t, 7, NormalizeLimit(7))
	assert.Equal(t, MaxLimit, NormalizeLimit(MaxLimit+50))
	assert.Equal(t, 8, LimitWithBuffer(7))
}

func TestCursorRoundTrip(t *testing.T) {
	in := Cursor{CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC), ID: uuid.New()}

	out, err := ParseCursor(in.Encode())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.ID, out.ID)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	cur, err := ParseCursor("  ")
	require.NoError(t, err)
	assert.Nil(t, cur)

	for _, raw := range []string{"%%%", "bm8tc2VwYXJhdG9y", "eHw0"} {
		_, err := ParseCursor(raw)
		assert.Error(t, err, raw)
	}
}

func TestTrim(t *testing.T) {
	base := time.Now().UTC()
	rows := make([]Cursor, 4)
	for i := range rows {
		rows[i] = Cursor{CreatedAt: base.Add(-time.Duration(i) * time.Minute), ID: uuid.New()}
	}
	identity := func(c Cursor) Cursor { return c }

	kept, next := Trim(rows, 3, identity)
	assert.Len(t, kept, 3)
	assert.Equal(t, rows[2].Encode(), next)

	kept, next = Trim(rows[:2], 3, identity)
	assert.Len(t, kept, 2)
	assert.Empty(t, next)
}
