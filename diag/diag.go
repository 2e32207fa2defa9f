// Package diag renders the kernel allocators' outstanding state as a
// pprof profile, so a crash leaves behind something `go tool pprof` can
// read instead of a one-line panic message. The dump is written on the
// fatal-panic path only: a kernel bug that dies mid-boot or mid-syscall
// usually dies holding frames and heap blocks, and those counts are the
// first thing worth looking at afterward.
package diag

import (
	"io"

	"github.com/google/pprof/profile"

	"sv39k/config"
	"sv39k/mem"
)

// DumpAllocators writes a heap-style profile with one sample per
// allocator: the buddy heap's live blocks and bytes, and the frame
// allocator's outstanding 4 KiB frames.
func DumpAllocators(w io.Writer, heap *mem.HeapAllocator, frames *mem.FrameAllocator) error {
	heapFn := &profile.Function{ID: 1, Name: "kernel.heap", SystemName: "kernel.heap"}
	frameFn := &profile.Function{ID: 2, Name: "kernel.frames", SystemName: "kernel.frames"}
	heapLoc := &profile.Location{ID: 1, Line: []profile.Line{{Function: heapFn}}}
	frameLoc := &profile.Location{ID: 2, Line: []profile.Line{{Function: frameFn}}}

	outFrames := int64(frames.Outstanding())
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "space", Unit: "bytes"},
		},
		Sample: []*profile.Sample{
			{
				Location: []*profile.Location{heapLoc},
				Value:    []int64{int64(heap.LiveBlocks()), int64(heap.Allocated())},
			},
			{
				Location: []*profile.Location{frameLoc},
				Value:    []int64{outFrames, outFrames * config.PageSize},
			},
		},
		Location: []*profile.Location{heapLoc, frameLoc},
		Function: []*profile.Function{heapFn, frameFn},
	}
	return p.Write(w)
}
