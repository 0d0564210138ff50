package mapping

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextIndex(t *testing.T) {
	tests := []struct {
		name     string
		existing []int
		ceiling  int
		want     int
		wantErr  error
	}{
		{name: "empty", want: 10, ceiling: MaxIndex},
		{name: "after ten", existing: []int{10}, want: 20, ceiling: MaxIndex},
		{name: "unordered", existing: []int{30, 10, 20}, want: 40, ceiling: MaxIndex},
		{name: "non multiple", existing: []int{15}, want: 20, ceiling: MaxIndex},
		{name: "just below multiple", existing: []int{19}, want: 30, ceiling: MaxIndex},
		{name: "gaps are not reused", existing: []int{10, 90}, want: 100, ceiling: MaxIndex},
		{name: "hits ceiling exactly", existing: []int{90}, want: 100, ceiling: 100},
		{name: "past ceiling", existing: []int{100}, ceiling: 100, wantErr: ErrExhausted},
		{name: "overflow", existing: []int{math.MaxInt - 5}, ceiling: math.MaxInt, wantErr: ErrExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextIndex(tt.existing, tt.ceiling)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNextIndexIsMonotonic(t *testing.T) {
	var ids []int
	prev := 0
	for i := 0; i < 50; i++ {
		next, err := NextIndex(ids, MaxIndex)
		require.NoError(t, err)
		require.Greater(t, next, prev)
		require.Zero(t, next%10)
		ids = append(ids, next)
		prev = next
	}
}
