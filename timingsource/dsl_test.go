package timingsource_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/scopesync/timingsource"
)

func TestCompileFilterPrefixMatch(t *testing.T) {
	f, err := timingsource.CompileFilter("5:12")
	require.NoError(t, err)

	// group=5, event_no=12 matches regardless of the remaining fields.
	id := uint64(5)<<48 | uint64(12)<<32 | uint64(7)
	assert.True(t, f.Matches(id))

	other := uint64(6)<<48 | uint64(12)<<32
	assert.False(t, f.Matches(other))
}

func TestCompileFilterEmptyMatchesEverything(t *testing.T) {
	f, err := timingsource.CompileFilter("")
	require.NoError(t, err)
	assert.True(t, f.Matches(0xdeadbeef))
}

func TestCompileFilterTooManyFields(t *testing.T) {
	_, err := timingsource.CompileFilter("1:2:3:4:5:6:7")
	assert.Error(t, err)
}

func TestCompileRulePublish(t *testing.T) {
	r, err := timingsource.CompileRule("5:12 -> PUBLISH()")
	require.NoError(t, err)
	assert.True(t, r.Publish)
	assert.Empty(t, r.IO)
}

func TestCompileRuleIOAction(t *testing.T) {
	r, err := timingsource.CompileRule("5:12 -> IO3(100,on,200,off)")
	require.NoError(t, err)
	require.Len(t, r.IO, 1)
	assert.Equal(t, 3, r.IO[0].Pin)
	assert.Equal(t, []int{100, 200}, r.IO[0].DelayUs)
	assert.Equal(t, []bool{true, false}, r.IO[0].States)
}

func TestCompileRuleMalformedFailsPrecisely(t *testing.T) {
	_, err := timingsource.CompileRule("not a rule")
	assert.Error(t, err)

	_, err = timingsource.CompileRule("5:12 -> BOGUS()")
	assert.Error(t, err)

	_, err = timingsource.CompileRule("5:12 -> IO3(100)")
	assert.Error(t, err)
}
