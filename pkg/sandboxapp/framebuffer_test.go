package sandboxapp

import (
	"image/color"
	"testing"
)

func newTestFramebuffer(width, height int) *Framebuffer {
	return &Framebuffer{
		data:          make([]byte, width*height*4),
		physWidth:     width,
		physHeight:    height,
		logicalWidth:  width,
		logicalHeight: height,
	}
}

func TestFramebufferSetAndRead(t *testing.T) {
	fb := newTestFramebuffer(4, 4)
	fb.Set(1, 1, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	idx := (1*fb.physWidth + 1) * 4
	if fb.data[idx] != 10 || fb.data[idx+1] != 20 || fb.data[idx+2] != 30 || fb.data[idx+3] != 255 {
		t.Fatalf("unexpected pixel bytes at idx %d: %v", idx, fb.data[idx:idx+4])
	}
}

func TestFramebufferSetIgnoresOutOfBounds(t *testing.T) {
	fb := newTestFramebuffer(2, 2)
	fb.Set(-1, 0, color.RGBA{R: 255})
	fb.Set(5, 5, color.RGBA{R: 255})
	for _, b := range fb.data {
		if b != 0 {
			t.Fatalf("expected untouched buffer, found non-zero byte")
		}
	}
}

func TestFramebufferSetLogicalSizeClampsToPhysical(t *testing.T) {
	fb := newTestFramebuffer(10, 10)
	fb.setLogicalSize(20, 5)
	if fb.logicalWidth != 10 || fb.logicalHeight != 5 {
		t.Fatalf("logical size = %dx%d, want 10x5", fb.logicalWidth, fb.logicalHeight)
	}
}

func TestFramebufferFillRespectsStrideAfterShrink(t *testing.T) {
	fb := newTestFramebuffer(4, 4)
	fb.setLogicalSize(2, 2)
	fb.Fill(color.RGBA{R: 9, G: 9, B: 9, A: 255})

	if fb.data[0] != 9 {
		t.Fatalf("expected (0,0) filled")
	}
	outOfLogicalIdx := (0*fb.physWidth + 2) * 4
	if fb.data[outOfLogicalIdx] != 0 {
		t.Fatalf("fill wrote past logical width into next column")
	}
}

func TestFramebufferBoundsReflectsLogicalSize(t *testing.T) {
	fb := newTestFramebuffer(8, 8)
	fb.setLogicalSize(3, 6)
	b := fb.Bounds()
	if b.Dx() != 3 || b.Dy() != 6 {
		t.Fatalf("bounds = %v, want 3x6", b)
	}
}
