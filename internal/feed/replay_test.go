package feed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsbot/internal/core"
	"optionsbot/pkg/logging"
)

const testTape = `timestamp,symbol,bid,ask,last,iv,delta,open_interest,volume
2026-09-01T14:30:00Z,SPY,449.90,450.10,450.00,,,,
2026-09-01T14:30:00Z,SPY261016C00450000,1.90,2.00,1.95,0.30,0.40,1000,500
2026-09-01T14:31:00Z,SPY,450.40,450.60,450.50,,,,
`

func writeTape(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tape.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func collect(t *testing.T, r *Replay) []core.TickBatch {
	t.Helper()
	ch, err := r.Subscribe(context.Background(), nil)
	require.NoError(t, err)
	var batches []core.TickBatch
	for b := range ch {
		batches = append(batches, b)
	}
	return batches
}

func TestReplay_GroupsRowsByTimestamp(t *testing.T) {
	r := NewReplay(writeTape(t, testTape), logging.Nop())
	batches := collect(t, r)

	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Ticks, 2)
	assert.Len(t, batches[1].Ticks, 1)

	underlying := batches[0].Ticks[0]
	assert.Equal(t, "SPY", underlying.Contract.Underlying)
	assert.False(t, underlying.Contract.IsOption())
	assert.True(t, underlying.Bid.Equal(decimal.NewFromFloat(449.90)))

	option := batches[0].Ticks[1]
	assert.True(t, option.Contract.IsOption())
	assert.Equal(t, "SPY", option.Contract.Underlying)
	assert.True(t, option.Contract.Strike.Equal(decimal.NewFromInt(450)))
	require.NotNil(t, option.Greeks)
	assert.True(t, option.Greeks.Delta.Equal(decimal.NewFromFloat(0.40)))
	assert.Equal(t, int64(1000), option.OpenInterest)
}

func TestReplay_RestartableFromTheTop(t *testing.T) {
	r := NewReplay(writeTape(t, testTape), logging.Nop())

	first := collect(t, r)
	second := collect(t, r)
	assert.Equal(t, first, second)
}

func TestReplay_SkipsMalformedRows(t *testing.T) {
	tape := `timestamp,symbol,bid,ask,last,iv,delta,open_interest,volume
not-a-time,SPY,1,2,1.5,,,,
2026-09-01T14:30:00Z,SPY,449.90,450.10,450.00,,,,
`
	r := NewReplay(writeTape(t, tape), logging.Nop())
	batches := collect(t, r)

	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Ticks, 1)
}

func TestReplay_MissingFile(t *testing.T) {
	r := NewReplay("/does/not/exist.csv", logging.Nop())
	_, err := r.Subscribe(context.Background(), nil)
	assert.Error(t, err)
}
