package dlcore

import "context"

// stubWholeFileDriver satisfies WholeFileDriver for a protocol family whose
// wire implementation is out of scope for the core (BitTorrent peer-wire,
// ADB protocol internals, ED2K). It exists so the registry and engine have
// a real collaborator to dispatch to for these resource types instead of
// falling through to ErrNoDriver, and so wiring one in later is a registration
// change, not a new contract.
type stubWholeFileDriver struct {
	name string
	typ  ResourceType
}

// NewBitTorrentStubDriver returns a WholeFileDriver for ResourceBitTorrent
// that always fails with ErrNotImplemented.
func NewBitTorrentStubDriver() WholeFileDriver {
	return &stubWholeFileDriver{name: "bittorrent", typ: ResourceBitTorrent}
}

// NewADBStubDriver returns a WholeFileDriver for ResourceADB that always
// fails with ErrNotImplemented.
func NewADBStubDriver() WholeFileDriver {
	return &stubWholeFileDriver{name: "adb", typ: ResourceADB}
}

// NewEd2kStubDriver returns a WholeFileDriver for ResourceEd2k that always
// fails with ErrNotImplemented.
func NewEd2kStubDriver() WholeFileDriver {
	return &stubWholeFileDriver{name: "ed2k", typ: ResourceEd2k}
}

func (d *stubWholeFileDriver) Name() string { return d.name }

func (d *stubWholeFileDriver) Supports(res ResourceDescriptor) bool {
	return res.Type == d.typ
}

func (d *stubWholeFileDriver) DownloadWhole(ctx context.Context, res ResourceDescriptor, dctx DriverContext, targetPath string, options map[string]string) error {
	return NewPermanentError(d.name, "download-whole", ErrNotImplemented)
}
