package job

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	j := New(TypeOne, nil)
	assert.Equal(t, DefaultMaxRetries, j.MaxRetries)
	assert.Equal(t, DefaultBaseRetryMinutes, j.BaseRetryMinutes)
	assert.Zero(t, j.Tries)
	assert.Nil(t, j.RipeAt)
	assert.NotNil(t, j.Arguments)
	assert.Equal(t, StateFresh, j.State())
}

func TestScheduleIn(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	j := New(TypeTwo, nil)
	require.NoError(t, j.ScheduleIn(now, 4*time.Hour))
	require.NotNil(t, j.RipeAt)
	assert.Equal(t, now.Add(4*time.Hour), *j.RipeAt)

	assert.False(t, j.Ripe(now))
	assert.True(t, j.Ripe(now.Add(4*time.Hour)))
}

func TestScheduleInTwiceFails(t *testing.T) {
	t.Parallel()

	now := time.Now()
	j := New(TypeOne, nil)
	require.NoError(t, j.ScheduleIn(now, time.Minute))
	err := j.ScheduleIn(now, time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyScheduled)
}

func TestScheduleInZeroDelayFails(t *testing.T) {
	t.Parallel()

	j := New(TypeOne, nil)
	assert.ErrorIs(t, j.ScheduleIn(time.Now(), 0), ErrZeroDelay)
	assert.ErrorIs(t, j.ScheduleIn(time.Now(), -time.Minute), ErrZeroDelay)
	assert.Nil(t, j.RipeAt)
}

func TestArgumentsValidate(t *testing.T) {
	t.Parallel()

	args := Arguments{"i": 1, "s": "x", "b": true}
	require.NoError(t, args.Validate())
	assert.Equal(t, int64(1), args["i"])

	whole := Arguments{"w": float64(2)}
	require.NoError(t, whole.Validate())
	assert.Equal(t, int64(2), whole["w"])

	largestExact := Arguments{"w": float64(1<<53 - 1)}
	require.NoError(t, largestExact.Validate())
	assert.Equal(t, int64(1<<53-1), largestExact["w"])

	assert.ErrorIs(t, Arguments{"f": 1.5}.Validate(), ErrInvalidArgument)
	assert.ErrorIs(t, Arguments{"big": float64(1 << 53)}.Validate(), ErrInvalidArgument)
	assert.ErrorIs(t, Arguments{"neg": -float64(1 << 60)}.Validate(), ErrInvalidArgument)
	assert.ErrorIs(t, Arguments{"l": []string{"a"}}.Validate(), ErrInvalidArgument)
}

func TestDecodeArgumentsKeepsLargeIntegersExact(t *testing.T) {
	t.Parallel()

	args, err := DecodeArguments([]byte(`{"id": 9007199254740993}`))
	require.NoError(t, err)
	assert.Equal(t, Arguments{"id": int64(9007199254740993)}, args)
}

func TestDecodeArgumentsKeepsIntegers(t *testing.T) {
	t.Parallel()

	args, err := DecodeArguments([]byte(`{"int_arg": 1, "str_arg": "string", "bool_arg": true}`))
	require.NoError(t, err)
	assert.Equal(t, Arguments{"int_arg": int64(1), "str_arg": "string", "bool_arg": true}, args)

	_, err = DecodeArguments([]byte(`{"x": 1.25}`))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSignatureIgnoresKeyOrder(t *testing.T) {
	t.Parallel()

	a := New(TypeOne, Arguments{"a": int64(1), "b": "two", "c": true})
	b := New(TypeOne, Arguments{"c": true, "b": "two", "a": int64(1)})

	sa, err := a.Signature()
	require.NoError(t, err)
	sb, err := b.Signature()
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
	assert.Len(t, sa, 64)
}

func TestSignatureSensitivity(t *testing.T) {
	t.Parallel()

	base, _ := New(TypeOne, Arguments{"x": int64(1)}).Signature()
	otherType, _ := New(TypeTwo, Arguments{"x": int64(1)}).Signature()
	otherArg, _ := New(TypeOne, Arguments{"x": int64(2)}).Signature()
	stringArg, _ := New(TypeOne, Arguments{"x": "1"}).Signature()

	assert.NotEqual(t, base, otherType)
	assert.NotEqual(t, base, otherArg)
	assert.NotEqual(t, base, stringArg)
}

func TestSignatureDistinguishesLargeIntegers(t *testing.T) {
	t.Parallel()

	a, err := New(TypeOne, Arguments{"id": int64(9007199254740993)}).Signature()
	require.NoError(t, err)
	b, err := New(TypeOne, Arguments{"id": int64(9007199254740992)}).Signature()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	maxA, err := New(TypeOne, Arguments{"id": int64(math.MaxInt64)}).Signature()
	require.NoError(t, err)
	maxB, err := New(TypeOne, Arguments{"id": int64(math.MaxInt64 - 1)}).Signature()
	require.NoError(t, err)
	assert.NotEqual(t, maxA, maxB)
}

func TestSignatureNormalisesIntegerKinds(t *testing.T) {
	t.Parallel()

	j := New(TypeOne, Arguments{"x": 7})
	fromInt, err := j.Signature()
	require.NoError(t, err)
	fromInt64, err := New(TypeOne, Arguments{"x": int64(7)}).Signature()
	require.NoError(t, err)
	assert.Equal(t, fromInt64, fromInt)
	assert.Equal(t, 7, j.Arguments["x"], "Signature must not rewrite the job's arguments")

	_, err = New(TypeOne, Arguments{"x": 1.5}).Signature()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSignatureIgnoresSchedule(t *testing.T) {
	t.Parallel()

	a := New(TypeOne, Arguments{"x": int64(1)})
	b := New(TypeOne, Arguments{"x": int64(1)})
	require.NoError(t, b.RunsIn(time.Hour))
	b.MaxRetries = 9

	sa, _ := a.Signature()
	sb, _ := b.Signature()
	assert.Equal(t, sa, sb)
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	j := New(TypeOne, Arguments{"x": int64(1)})
	require.NoError(t, j.RunsIn(time.Minute))
	c := j.Clone()
	c.Arguments["x"] = int64(2)
	*c.RipeAt = c.RipeAt.Add(time.Hour)

	assert.Equal(t, int64(1), j.Arguments["x"])
	assert.NotEqual(t, *j.RipeAt, *c.RipeAt)
}
