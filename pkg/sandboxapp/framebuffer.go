package sandboxapp

import (
	"image"
	"image/color"
	"sync"

	"golang.org/x/sys/unix"
)

// Framebuffer is the mmap'd RGBA region an App draws into. The physical
// region is sized once at session start (supervisor.Spawn allocates the
// shared memfd for physWidth*physHeight*4 bytes); a mid-session resize
// request only changes the logical viewport the app should render within,
// clamped to the physical capacity — reallocating the underlying shared
// memory region would require tearing down and recreating the frame
// channel, which this SDK does not attempt (see DESIGN.md).
type Framebuffer struct {
	mu   sync.RWMutex
	data []byte

	physWidth, physHeight       int
	logicalWidth, logicalHeight int
}

// Bounds returns the current logical drawing area.
func (f *Framebuffer) Bounds() image.Rectangle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return image.Rect(0, 0, f.logicalWidth, f.logicalHeight)
}

// Set writes one pixel at (x, y) within the logical bounds. Out-of-bounds
// writes are silently ignored.
func (f *Framebuffer) Set(x, y int, c color.RGBA) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if x < 0 || y < 0 || x >= f.logicalWidth || y >= f.logicalHeight {
		return
	}
	idx := (y*f.physWidth + x) * 4
	f.data[idx] = c.R
	f.data[idx+1] = c.G
	f.data[idx+2] = c.B
	f.data[idx+3] = c.A
}

// Fill clears the logical drawing area to a solid color, row by row since
// the physical row stride may exceed the logical width after a downward
// resize.
func (f *Framebuffer) Fill(c color.RGBA) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for y := 0; y < f.logicalHeight; y++ {
		rowStart := y * f.physWidth * 4
		for x := 0; x < f.logicalWidth; x++ {
			idx := rowStart + x*4
			f.data[idx] = c.R
			f.data[idx+1] = c.G
			f.data[idx+2] = c.B
			f.data[idx+3] = c.A
		}
	}
}

// AsImage returns a *image.RGBA view over the logical drawing area,
// sharing the underlying mmap'd memory (no copy) so callers can use
// image/draw to composite onto it directly. The returned image is only
// valid until the next resize.
func (f *Framebuffer) AsImage() *image.RGBA {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &image.RGBA{
		Pix:    f.data,
		Stride: f.physWidth * 4,
		Rect:   image.Rect(0, 0, f.logicalWidth, f.logicalHeight),
	}
}

func (f *Framebuffer) setLogicalSize(width, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if width <= 0 || height <= 0 {
		return
	}
	if width > f.physWidth {
		width = f.physWidth
	}
	if height > f.physHeight {
		height = f.physHeight
	}
	f.logicalWidth = width
	f.logicalHeight = height
}

func (f *Framebuffer) unmap() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return
	}
	unix.Munmap(f.data)
	f.data = nil
}
