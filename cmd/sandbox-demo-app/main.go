// Command sandbox-demo-app is a minimal reference application built
// against pkg/sandboxapp: it renders a moving crosshair that tracks the
// viewer's pointer and a counter that advances once per frame, enough to
// exercise the full pipeline end to end (isolation, frame channel,
// encoder, WebRTC) without depending on any GUI toolkit.
package main

import (
	"fmt"
	"image/color"
	"os"

	"github.com/sandboxrun/supervisor/pkg/sandboxapp"
)

type demoApp struct {
	frame   uint64
	cursorX int
	cursorY int
}

func (a *demoApp) Render(fb *sandboxapp.Framebuffer, events []sandboxapp.InputEvent) {
	a.frame++

	for _, ev := range events {
		switch ev.Kind {
		case "pointer_move":
			a.cursorX, a.cursorY = ev.X, ev.Y
		case "pointer_button":
			a.cursorX, a.cursorY = ev.X, ev.Y
		}
	}

	bg := color.RGBA{R: 24, G: 24, B: 28, A: 255}
	fb.Fill(bg)

	b := fb.Bounds()
	drawCrosshair(fb, a.cursorX, a.cursorY, b.Dx(), b.Dy())
	drawFrameCounter(fb, a.frame, b.Dx(), b.Dy())
}

func drawCrosshair(fb *sandboxapp.Framebuffer, cx, cy, width, height int) {
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	const size = 10
	for d := -size; d <= size; d++ {
		if cx+d >= 0 && cx+d < width {
			fb.Set(cx+d, cy, white)
		}
		if cy+d >= 0 && cy+d < height {
			fb.Set(cx, cy+d, white)
		}
	}
}

// drawFrameCounter renders the frame count as a simple binary bar code
// along the top edge rather than pulling in a font rasterizer — the
// original sandbox-app-sdk embeds two TTF fonts for this (see
// original_source's crates/sandbox-app-sdk), which this module's
// render-free SDK has no equivalent for.
func drawFrameCounter(fb *sandboxapp.Framebuffer, frame uint64, width, height int) {
	amber := color.RGBA{R: 255, G: 191, B: 0, A: 255}
	bits := 32
	if width < bits {
		bits = width
	}
	for i := 0; i < bits; i++ {
		if frame&(1<<uint(i)) == 0 {
			continue
		}
		x := width - 1 - i
		for y := 0; y < 6 && y < height; y++ {
			fb.Set(x, y, amber)
		}
	}
}

func main() {
	if err := sandboxapp.Run(&demoApp{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
