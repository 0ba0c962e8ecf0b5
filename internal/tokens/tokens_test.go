package tokens

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestLookupBySymbolAndAddress(t *testing.T) {
	table := Default()

	usdc, ok := table.Lookup("polygon", "usdc")
	if !ok || usdc.Decimals != 6 {
		t.Fatalf("unexpected usdc lookup: %+v %v", usdc, ok)
	}
	byAddr, ok := table.Lookup("Polygon", "0x3C499C542CEF5E3811E1192CE70D8CC03D5C3359")
	if !ok || byAddr.Symbol != "USDC" {
		t.Fatalf("address lookup should be case-insensitive: %+v", byAddr)
	}

	for _, sentinel := range []string{ZeroAddress, EtherSentinel, PolygonNativeToken} {
		native, ok := table.Lookup("polygon", sentinel)
		if !ok || !native.Native || native.Symbol != "POL" {
			t.Fatalf("sentinel %s should resolve to POL, got %+v", sentinel, native)
		}
	}
	if _, ok := table.Lookup("ethereum", PolygonNativeToken); ok {
		t.Fatalf("polygon sentinel must not resolve on ethereum")
	}
	if _, ok := table.Lookup("solana", "SOL"); ok {
		t.Fatalf("unknown chain should not resolve")
	}
}

func TestLoadRejectsEmptyTable(t *testing.T) {
	if _, err := Load([]byte("chains: {}")); err == nil {
		t.Fatalf("expected error for empty table")
	}
}

func TestToMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int32
		want     string
	}{
		{"1.5", 6, "1500000"},
		{"0.01234", 18, "12340000000000000"},
		{"0.0000001", 6, "0"},
		{"0.1234567890123456789", 18, "123456789012345679"},
	}
	for _, tc := range cases {
		got, err := ToMinorUnits(decimal.RequireFromString(tc.amount), tc.decimals)
		if err != nil {
			t.Fatalf("convert %s: %v", tc.amount, err)
		}
		if got.String() != tc.want {
			t.Fatalf("convert %s/%d: got %s want %s", tc.amount, tc.decimals, got, tc.want)
		}
	}
	if _, err := ToMinorUnits(decimal.NewFromInt(-1), 18); err == nil {
		t.Fatalf("negative amounts must be rejected")
	}
}

func TestFromMinorUnits(t *testing.T) {
	got, err := FromMinorUnits("12340000000000000", 18)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.String() != "0.01234" {
		t.Fatalf("unexpected human amount %s", got)
	}
	if _, err := FromMinorUnits("12.5", 6); err == nil {
		t.Fatalf("expected error for non-integer input")
	}
}
