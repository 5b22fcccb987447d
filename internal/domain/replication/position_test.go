package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Position
		want int
	}{
		{
			name: "same file offset order",
			a:    Position{File: "mysql-bin.000001", Offset: 4},
			b:    Position{File: "mysql-bin.000001", Offset: 120},
			want: -1,
		},
		{
			name: "numeric file sequence beats lexical order",
			a:    Position{File: "mysql-bin.999999", Offset: 900},
			b:    Position{File: "mysql-bin.1000000", Offset: 4},
			want: -1,
		},
		{
			name: "later file wins regardless of offset",
			a:    Position{File: "mysql-bin.000010", Offset: 4},
			b:    Position{File: "mysql-bin.000009", Offset: 99999},
			want: 1,
		},
		{
			name: "equal",
			a:    Position{File: "mysql-bin.000003", Offset: 77},
			b:    Position{File: "mysql-bin.000003", Offset: 77},
			want: 0,
		},
		{
			name: "different base names fall back to lexical",
			a:    Position{File: "a-bin.000002", Offset: 1},
			b:    Position{File: "b-bin.000001", Offset: 1},
			want: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
			assert.Equal(t, tt.want < 0, tt.a.Less(tt.b))
		})
	}
}

func TestParsePosition(t *testing.T) {
	p, err := ParsePosition("mysql-bin.000042:1337")
	require.NoError(t, err)
	assert.Equal(t, Position{File: "mysql-bin.000042", Offset: 1337}, p)
	assert.Equal(t, "mysql-bin.000042:1337", p.Identifier())

	for _, bad := range []string{"", "mysql-bin.000001", ":12", "mysql-bin.000001:", "mysql-bin.000001:x"} {
		_, err := ParsePosition(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestPositionValidate(t *testing.T) {
	assert.Error(t, Position{}.Validate())
	assert.Error(t, Position{File: "a:b"}.Validate())
	assert.NoError(t, Position{File: "mysql-bin.000001", Offset: 4}.Validate())
	assert.True(t, Position{}.IsZero())
}

func TestRowEvent(t *testing.T) {
	pos := Position{File: "mysql-bin.000001", Offset: 4}
	evt := NewRowEvent("shop", "orders", EventTypeInsert, time.Unix(1700000000, 0), map[string]any{"id": 1}, pos)

	assert.NotEqual(t, [16]byte{}, [16]byte(evt.ID))
	assert.Equal(t, "shop.orders", evt.PartitionKey())
	assert.NoError(t, evt.Validate())

	evt.Type = "truncate"
	assert.Error(t, evt.Validate())

	evt.Type = EventTypeDelete
	evt.Database = ""
	assert.Error(t, evt.Validate())
}
