package units

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"100", 100, false},
		{"-25", -25, false},
		{"1.5", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestRequirePositiveAndNonNegative(t *testing.T) {
	assert.NoError(t, RequirePositive(1))
	assert.ErrorIs(t, RequirePositive(0), ErrNotPositive)
	assert.ErrorIs(t, RequirePositive(-1), ErrNotPositive)

	assert.NoError(t, RequireNonNegative(0))
	assert.ErrorIs(t, RequireNonNegative(-1), ErrNegativeAmount)
}

func TestAddOverflow(t *testing.T) {
	_, err := Add(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Add(math.MinInt64, -1)
	assert.ErrorIs(t, err, ErrOverflow)

	sum, err := Add(10, 20)
	assert.NoError(t, err)
	assert.Equal(t, int64(30), sum)
}

func TestSubOverflow(t *testing.T) {
	_, err := Sub(math.MinInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)

	diff, err := Sub(30, 10)
	assert.NoError(t, err)
	assert.Equal(t, int64(20), diff)
}

func TestSum_ConservationCheck(t *testing.T) {
	total, err := Sum(100, -40, -60)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), total)

	_, err = Sum(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestAbs(t *testing.T) {
	assert.Equal(t, int64(5), Abs(5))
	assert.Equal(t, int64(5), Abs(-5))
	assert.Equal(t, int64(0), Abs(0))
}
