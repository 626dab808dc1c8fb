package feeprice

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEtherscanFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gastracker", r.URL.Query().Get("module"))
		require.Equal(t, "gasoracle", r.URL.Query().Get("action"))
		require.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		fmt.Fprint(w, `{
			"status": "1",
			"message": "OK",
			"result": {
				"SafeGasPrice": "1.5",
				"ProposeGasPrice": "2",
				"FastGasPrice": "3.25",
				"suggestBaseFee": "1.437",
				"LastBlock": "12345"
			}
		}`)
	}))
	defer srv.Close()

	c := NewEtherscanClient(srv.URL, "test-key")
	got, err := c.Fetch(context.Background())
	require.NoError(t, err)

	require.Equal(t, int64(1_500_000_000), got.Safe.Int64())
	require.Equal(t, int64(2_000_000_000), got.Propose.Int64())
	require.Equal(t, int64(3_250_000_000), got.Fast.Int64())
	require.Equal(t, int64(1_437_000_000), got.BaseFee.Int64())
}

func TestEtherscanFetchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "0", "message": "NOTOK", "result": {}}`)
	}))
	defer srv.Close()

	c := NewEtherscanClient(srv.URL, "")
	_, err := c.Fetch(context.Background())
	require.Error(t, err)
}

func TestGweiStringToWei(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"1", 1_000_000_000, false},
		{"12.4", 12_400_000_000, false},
		{"0.000000001", 1, false},
		{"0.0000000001", 0, false}, // below one wei truncates
		{"-1", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		got, err := gweiStringToWei(tc.in)
		if tc.wantErr {
			require.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, got.Int64(), "input %q", tc.in)
	}
}
