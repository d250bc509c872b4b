package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/fluxdl/fluxdl/pkg/dlcore"
)

// progressRenderer subscribes to an engine's event bus and renders either a
// multi-bar terminal display (one bar per active item) or, on non-TTY
// output, line-oriented logging for piped/redirected output.
type progressRenderer struct {
	sub *dlcore.Subscription
	wg  sync.WaitGroup

	isTTY bool
	p     *mpb.Progress
	mu    sync.Mutex
	bars  map[dlcore.ItemID]*mpb.Bar
	names map[dlcore.ItemID]string
	seen  map[dlcore.ItemID]int64
}

func newProgressRenderer(eng *dlcore.Engine) *progressRenderer {
	r := &progressRenderer{
		sub:   eng.Subscribe(),
		isTTY: isatty.IsTerminal(os.Stdout.Fd()),
		bars:  make(map[dlcore.ItemID]*mpb.Bar),
		names: make(map[dlcore.ItemID]string),
		seen:  make(map[dlcore.ItemID]int64),
	}
	if r.isTTY {
		r.p = mpb.New(mpb.WithWidth(64))
	}

	r.wg.Add(1)
	go r.run()
	return r
}

func (r *progressRenderer) run() {
	defer r.wg.Done()
	for ev := range r.sub.Events() {
		r.handle(ev)
	}
}

func (r *progressRenderer) handle(ev dlcore.Event) {
	switch ev.Kind {
	case dlcore.EventItemAdded:
		r.addBar(ev)
	case dlcore.EventProgress:
		r.updateBar(ev)
	case dlcore.EventItemStatusChanged:
		if ev.ItemStatus == dlcore.ItemDone && !r.isTTY && ev.ItemID != nil {
			r.mu.Lock()
			name := r.names[*ev.ItemID]
			size := r.seen[*ev.ItemID]
			r.mu.Unlock()
			fmt.Printf("fluxdl: %s done (%s)\n", name, humanizeBytes(size))
		}
	case dlcore.EventError:
		fmt.Printf("fluxdl: [%s] %s\n", ev.Scope, ev.Message)
	}
}

func (r *progressRenderer) addBar(ev dlcore.Event) {
	if ev.ItemID != nil {
		r.mu.Lock()
		r.names[*ev.ItemID] = ev.DisplayName
		r.mu.Unlock()
	}
	if !r.isTTY || ev.ItemID == nil {
		if !r.isTTY {
			fmt.Printf("fluxdl: downloading %s\n", ev.DisplayName)
		}
		return
	}

	name := ev.DisplayName
	total := int64(0)
	if ev.Total != nil {
		total = *ev.Total
	}

	bar := r.p.New(total,
		mpb.BarStyle().Lbound("╢").Filler("█").Tip("█").Padding("░").Rbound("╟"),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			decor.OnComplete(decor.EwmaETA(decor.ET_STYLE_GO, 30, decor.WC{W: 4}), "done"),
		),
		mpb.AppendDecorators(
			decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 30),
		),
	)

	r.mu.Lock()
	r.bars[*ev.ItemID] = bar
	r.mu.Unlock()
}

func (r *progressRenderer) updateBar(ev dlcore.Event) {
	if ev.ItemID == nil {
		return
	}
	r.mu.Lock()
	r.seen[*ev.ItemID] = ev.Downloaded
	bar, ok := r.bars[*ev.ItemID]
	r.mu.Unlock()
	if !r.isTTY {
		return
	}
	if !ok {
		return
	}
	if ev.Total != nil {
		bar.SetTotal(*ev.Total, ev.Downloaded >= *ev.Total)
	}
	bar.SetCurrent(ev.Downloaded)
}

// Wait blocks until all visible bars have finished rendering.
func (r *progressRenderer) Wait() {
	if r.isTTY && r.p != nil {
		r.p.Wait()
	}
}

// Close unsubscribes from the event bus and waits for the render goroutine
// to drain.
func (r *progressRenderer) Close() {
	r.sub.Unsubscribe()
	r.wg.Wait()
}

func humanizeBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
