package dlcore

import (
	"context"
	"errors"
	"testing"
)

func TestStubWholeFileDriversReturnNotImplemented(t *testing.T) {
	cases := []struct {
		name   string
		driver WholeFileDriver
		typ    ResourceType
	}{
		{"bittorrent", NewBitTorrentStubDriver(), ResourceBitTorrent},
		{"adb", NewADBStubDriver(), ResourceADB},
		{"ed2k", NewEd2kStubDriver(), ResourceEd2k},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ResourceDescriptor{Type: tc.typ, URI: "x://unused"}
			if !tc.driver.Supports(res) {
				t.Fatalf("expected %s driver to support its own resource type", tc.name)
			}
			if tc.driver.Supports(ResourceDescriptor{Type: ResourceHTTP}) {
				t.Fatalf("expected %s driver to reject unrelated resource types", tc.name)
			}

			err := tc.driver.DownloadWhole(context.Background(), res, DriverContext{}, t.TempDir()+"/out", nil)
			if !errors.Is(err, ErrNotImplemented) {
				t.Fatalf("expected ErrNotImplemented, got %v", err)
			}
		})
	}
}
