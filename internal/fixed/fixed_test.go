package fixed

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr error
	}{
		{"1", One, nil},
		{"100", FromInt(100), nil},
		{"0.000001", 1, nil},
		{"12.5", 12_500_000, nil},
		{" 3.25 ", 3_250_000, nil},
		{"-2", -2_000_000, nil},
		{"0.0000001", 0, ErrPrecision},
		{"abc", 0, ErrInvalidNumber},
		{"", 0, ErrInvalidNumber},
		{"99999999999999999999", 0, ErrOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "1.5", Amount(1_500_000).String())
	assert.Equal(t, "0.000001", Amount(1).String())
	assert.Equal(t, "100", FromInt(100).String())
	assert.Equal(t, "2.50", Amount(2_500_000).StringFixed(2))
	assert.True(t, decimal.RequireFromString("1.5").Equal(Amount(1_500_000).Decimal()))
}

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c int64
		r       Rounding
		want    int64
	}{
		{"exact", 6, 4, 3, Floor, 8},
		{"floor positive", 10, 1, 3, Floor, 3},
		{"ceil positive", 10, 1, 3, Ceil, 4},
		{"floor negative", -10, 1, 3, Floor, -4},
		{"ceil negative", -10, 1, 3, Ceil, -3},
		{"negative divisor", 10, 1, -3, Floor, -4},
		{"zero", 0, 5, 7, Ceil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MulDiv(tt.a, tt.b, tt.c, tt.r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// 4e18 * 4e18 overflows 64 bits but the quotient fits.
	got, err := MulDiv(4e18, 4e18, 8e18, Floor)
	require.NoError(t, err)
	assert.Equal(t, int64(2e18), got)
}

func TestMulDiv_Errors(t *testing.T) {
	_, err := MulDiv(1, 1, 0, Floor)
	assert.ErrorIs(t, err, ErrDivByZero)

	_, err = MulDiv(math.MaxInt64, 4, 2, Floor)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = MulDiv(math.MinInt64, 1, 1, Floor)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestAmount_MulDivBps(t *testing.T) {
	a := FromInt(100)

	fee, err := a.Bps(200, Ceil)
	require.NoError(t, err)
	assert.Equal(t, FromInt(2), fee)

	half, err := a.Mul(MustParse("0.5"), Floor)
	require.NoError(t, err)
	assert.Equal(t, FromInt(50), half)

	third, err := One.Div(FromInt(3), Floor)
	require.NoError(t, err)
	assert.Equal(t, Amount(333_333), third)

	thirdUp, err := One.Div(FromInt(3), Ceil)
	require.NoError(t, err)
	assert.Equal(t, Amount(333_334), thirdUp)
}

func TestAddSub_Overflow(t *testing.T) {
	_, err := Add(Amount(math.MaxInt64), 1)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Sub(Amount(math.MinInt64), 1)
	assert.ErrorIs(t, err, ErrOverflow)

	s, err := Add(FromInt(2), FromInt(3))
	require.NoError(t, err)
	assert.Equal(t, FromInt(5), s)
}

func TestMinMaxAbs(t *testing.T) {
	assert.Equal(t, One, Min(One, FromInt(2)))
	assert.Equal(t, FromInt(2), Max(One, FromInt(2)))
	assert.Equal(t, One, Amount(-1_000_000).Abs())
}

func TestAmount_JSON(t *testing.T) {
	b, err := json.Marshal(struct {
		V Amount `json:"v"`
	}{V: MustParse("12.5")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"12.5"}`, string(b))

	var got struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"0.25","b":3}`), &got))
	assert.Equal(t, Amount(250_000), got.A)
	assert.Equal(t, FromInt(3), got.B)

	assert.Error(t, json.Unmarshal([]byte(`{"a":"x"}`), &got))
}
