package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/moonggae/kmedia/internal/app/playback"
)

func TestDecode_WeaklyTypedNumbers(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"op":          "seek",
		"position_ms": 1500.0,
		"index":       "3",
		"items": []any{
			map[string]any{"id": "a", "duration_ms": 2000.0},
		},
	})
	require.NoError(t, err)

	var cmd Command
	require.NoError(t, Decode(s, &cmd))

	assert.Equal(t, OpSeek, cmd.Op)
	assert.Equal(t, int64(1500), cmd.PositionMS)
	assert.Equal(t, 3, cmd.Index)
	require.Len(t, cmd.Items, 1)
	assert.Equal(t, 2*time.Second, cmd.Items[0].Media().Duration)
}

func TestDecode_NilStruct(t *testing.T) {
	var cmd Command
	require.NoError(t, Decode(nil, &cmd))
	assert.Empty(t, cmd.Op)
}

func TestState_UnknownTimesStayUnknown(t *testing.T) {
	snap := playback.EmptySnapshot()
	snap.MediaID = "a"
	snap.Position = 1200 * time.Millisecond

	s, err := Encode(FromSnapshot(snap))
	require.NoError(t, err)
	_, hasDuration := s.Fields["duration_ms"]
	assert.False(t, hasDuration, "unknown duration is omitted")

	var st State
	require.NoError(t, Decode(s, &st))
	got := st.Snapshot()
	assert.Equal(t, playback.TimeUnset, got.Duration)
	assert.Equal(t, 1200*time.Millisecond, got.Position)
	assert.Equal(t, snap, got)
}
