package web3

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestGasOraclePrices(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"safeLow": 20.0, "average": 40.0, "fast": 100.0}`))
	}))
	defer srv.Close()

	oracle := NewGasOracle(srv.URL)
	safeLow, standard, err := oracle.GasPrices(context.Background())
	c.Assert(err, qt.IsNil)
	// feed values are tenths of Gwei: 20.0 -> 2 Gwei
	c.Assert(safeLow.Cmp(big.NewInt(2_000_000_000)), qt.Equals, 0)
	c.Assert(standard.Cmp(big.NewInt(4_000_000_000)), qt.Equals, 0)
}

func TestGasOracleInvertedTiers(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"safeLow": 60.0, "average": 40.0}`))
	}))
	defer srv.Close()

	oracle := NewGasOracle(srv.URL)
	safeLow, standard, err := oracle.GasPrices(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(safeLow.Cmp(big.NewInt(6_000_000_000)), qt.Equals, 0)
	// standard is lifted to safeLow + 1 Gwei when the feed inverts
	c.Assert(standard.Cmp(big.NewInt(7_000_000_000)), qt.Equals, 0)
}

func TestIsPermanentError(t *testing.T) {
	c := qt.New(t)
	c.Assert(IsPermanentError(nil), qt.IsFalse)
	c.Assert(IsPermanentError(errString("connection refused")), qt.IsFalse)
	c.Assert(IsPermanentError(errString("nonce too low")), qt.IsTrue)
	c.Assert(IsPermanentError(errString("known transaction: deadbeef")), qt.IsTrue)
	c.Assert(IsPermanentError(errString("insufficient funds for gas * price + value")), qt.IsTrue)
}

type errString string

func (e errString) Error() string { return string(e) }
