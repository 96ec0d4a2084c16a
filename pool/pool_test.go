package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesMagic(t *testing.T) {
	p := Open()
	require.NotNil(t, p)
	assert.Equal(t, magic, p.hdr.magic)
}

func TestReopenRebuildsPrevMaxCheckpointFromPersistedGrid(t *testing.T) {
	p := Open()

	p.hdr.cas.PCheckpoint[0][5].V.Store(100)
	p.hdr.cas.PCheckpoint[1][5].V.Store(250)
	p.hdr.cas.PCheckpoint[0][9].V.Store(40)
	// Give VCheckpoint nonzero pre-crash content, so the test can tell
	// "zeroed by recover" apart from "happened to already be zero".
	p.hdr.cas.VCheckpoint[5].V.Store(999)

	reopened := Reopen(p.hdr)

	assert.Equal(t, uint64(250), reopened.Cas().PrevMaxCheckpoint.Load(),
		"prev_max_checkpoint must be the highest checkpoint observed across every thread and bit")
	assert.Equal(t, uint64(0), reopened.Cas().VCheckpoint[5].V.Load(),
		"vcheckpoint is volatile state: recover must zero it, never seed it from the persisted grid")
}

func TestReopenPanicsOnBadMagic(t *testing.T) {
	h := &header{magic: 0xdeadbeef}
	assert.Panics(t, func() { Reopen(h) })
}

func TestOpenSnapshotsTimestampInit(t *testing.T) {
	p := Open()

	assert.NotZero(t, p.hdr.cas.TimestampInit,
		"Open must snapshot the physical clock into TimestampInit, not leave it at its zero value")

	before := p.Now()
	after := p.Now()
	assert.Greater(t, after, before, "Now() must stay strictly increasing even when normalized")
}

func TestReopenRefreshesTimestampInit(t *testing.T) {
	p := Open()
	original := p.hdr.cas.TimestampInit

	reopened := Reopen(p.hdr)

	assert.GreaterOrEqual(t, reopened.hdr.cas.TimestampInit, original,
		"Reopen must re-snapshot TimestampInit for the new run rather than leaving the previous run's value in place")
}
