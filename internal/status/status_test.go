package status

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name string
		in   []Status
		want Status
	}{
		{"empty", nil, Pending},
		{"all success", []Status{Success, Success}, Success},
		{"pending beats failure", []Status{Failure, Pending, Success}, Pending},
		{"failure beats canceled", []Status{Canceled, Failure}, Failure},
		{"canceled with success", []Status{Success, Canceled}, Canceled},
		{"started only", []Status{Started, Success}, Started},
		{"single started", []Status{Started}, Started},
		{"pending with started", []Status{Started, Pending}, Pending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Compute(tt.in))
		})
	}
}

func TestResponseCode(t *testing.T) {
	require.Equal(t, 202, ResponseCode(Pending))
	require.Equal(t, 202, ResponseCode(Started))
	require.Equal(t, 201, ResponseCode(Success))
	require.Equal(t, 500, ResponseCode(Failure))
	require.Equal(t, 409, ResponseCode(Canceled))
}

func TestParse(t *testing.T) {
	s, err := Parse(" success ")
	require.NoError(t, err)
	require.Equal(t, Success, s)
	require.True(t, s.Terminal())

	_, err = Parse("RUNNING")
	require.Error(t, err)

	require.False(t, Started.Terminal())
}
