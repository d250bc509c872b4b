package dlcore

import "context"

// ResolveContext carries ambient configuration a resolver may need.
type ResolveContext struct {
	OutDir    string
	UserAgent string
	Vault     *CredentialVault
}

// ResolveResult is a resolver's output for one LinkInput.
type ResolveResult struct {
	Drafts   []DownloadItemDraft
	Warnings []string
}

// Resolver turns a user-supplied link into one or more draft download
// items. CanHandle returns a score in [0,255]; 0 means "decline". The
// registry picks the highest scorer, breaking ties by registration order
// (first registered wins).
type Resolver interface {
	Name() string
	CanHandle(input LinkInput) uint8
	Resolve(ctx context.Context, input LinkInput, rctx ResolveContext) (ResolveResult, error)
}

// TransferDriver is the fragment-capable transfer contract used by the HTTP
// pipeline (and any future range-capable protocol).
type TransferDriver interface {
	Name() string
	Supports(res ResourceDescriptor) bool
	Prepare(ctx context.Context, res ResourceDescriptor, dctx DriverContext) error
	Probe(ctx context.Context, res ResourceDescriptor, dctx DriverContext) (total *int64, supportsRanges bool, err error)
	DownloadRange(ctx context.Context, res ResourceDescriptor, dctx DriverContext, start, endInclusive int64) ([]byte, error)
	DownloadAll(ctx context.Context, res ResourceDescriptor, dctx DriverContext) ([]byte, error)
}

// WholeFileDriver is the opaque, single-shot contract for protocols that
// produce the entire final file themselves (FTP, SFTP, and stubs for
// BitTorrent/ADB/ED2K), bypassing the fragment machinery entirely.
type WholeFileDriver interface {
	Name() string
	Supports(res ResourceDescriptor) bool
	DownloadWhole(ctx context.Context, res ResourceDescriptor, dctx DriverContext, targetPath string, options map[string]string) error
}

// DriverContext carries ambient configuration a driver may need: outbound
// headers beyond the resource's own, user agent, timeouts and retry policy.
type DriverContext struct {
	UserAgent   string
	TimeoutSecs int
	Retries     int
	BackoffMs   int64
	MaxDelayMs  int64

	// Progress, when non-nil, receives the cumulative byte count of a
	// whole-file transfer as it advances, so single-stream protocols feed
	// the same per-item progress reporting as the fragment pipeline.
	Progress func(downloaded int64)
}

// PluginRegistry is the immutable-after-construction dispatch table for
// resolvers and drivers.
type PluginRegistry struct {
	resolvers        []Resolver
	drivers          []TransferDriver
	wholeFileDrivers []WholeFileDriver
}

// NewPluginRegistry creates an empty registry. Use RegisterResolver,
// RegisterDriver and RegisterWholeFileDriver to populate it before use;
// registration order determines tie-break precedence.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{}
}

func (r *PluginRegistry) RegisterResolver(res Resolver) {
	r.resolvers = append(r.resolvers, res)
}

func (r *PluginRegistry) RegisterDriver(d TransferDriver) {
	r.drivers = append(r.drivers, d)
}

func (r *PluginRegistry) RegisterWholeFileDriver(d WholeFileDriver) {
	r.wholeFileDrivers = append(r.wholeFileDrivers, d)
}

// BestResolver returns the resolver with the highest CanHandle score for
// input, breaking ties by registration order (first registered wins). A
// nil return means no resolver scored above zero.
func (r *PluginRegistry) BestResolver(input LinkInput) Resolver {
	var best Resolver
	var bestScore uint8
	for _, res := range r.resolvers {
		score := res.CanHandle(input)
		if score == 0 {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = res
		}
	}
	return best
}

// DriverFor returns the first registered transfer driver that supports res.
func (r *PluginRegistry) DriverFor(res ResourceDescriptor) TransferDriver {
	for _, d := range r.drivers {
		if d.Supports(res) {
			return d
		}
	}
	return nil
}

// WholeFileDriverFor returns the first registered whole-file driver that
// supports res.
func (r *PluginRegistry) WholeFileDriverFor(res ResourceDescriptor) WholeFileDriver {
	for _, d := range r.wholeFileDrivers {
		if d.Supports(res) {
			return d
		}
	}
	return nil
}
