package main

import (
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"raflash.dev/device"
)

// progressBar renders a byte-accurate transfer bar. The bar is created
// lazily on the first callback, when the total is known.
type progressBar struct {
	label string
	p     *mpb.Progress
	bar   *mpb.Bar
}

// attachProgress wires a bar into the device's progress callback. In quiet mode
// it does nothing.
func attachProgress(d *device.Device, label string) *progressBar {
	if opts.quiet {
		return nil
	}
	pb := &progressBar{label: label}
	d.Progress = pb.update
	return pb
}

func (pb *progressBar) update(done, total int) {
	if pb.bar == nil {
		pb.p = mpb.New(mpb.WithWidth(48))
		pb.bar = pb.p.New(int64(total),
			mpb.BarStyle(),
			mpb.PrependDecorators(
				decor.Name(pb.label+" "),
				decor.CountersKibiByte("% .1f / % .1f"),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}
	pb.bar.SetCurrent(int64(done))
}

// finish completes or aborts the bar and waits for the render
// goroutine so later output lands below it.
func (pb *progressBar) finish() {
	if pb == nil || pb.bar == nil {
		return
	}
	pb.bar.EnableTriggerComplete()
	if !pb.bar.Completed() {
		pb.bar.Abort(true)
	}
	pb.p.Wait()
}
