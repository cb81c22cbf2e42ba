package summary

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	imageWidth  = 600
	imageHeight = 400

	timestampLayout = "2006-01-02 15:04:05"
)

var (
	colorBackground = color.White
	colorTitle      = color.RGBA{R: 0x00, G: 0x00, B: 0x8b, A: 0xff}
	colorText       = color.Black
	colorHeading    = color.RGBA{R: 0x00, G: 0x64, B: 0x00, A: 0xff}
	colorFooter     = color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
)

type textLine struct {
	x, y int
	text string
	col  color.Color
}

// Layout returns the text lines of the summary image, top to bottom.
func Layout(p Projection) []string {
	lines := layout(p)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.text
	}
	return out
}

func layout(p Projection) []textLine {
	lines := []textLine{
		{50, 30, "Country GDP Summary", colorTitle},
		{50, 70, fmt.Sprintf("Total Countries: %d", p.Total), colorText},
		{50, 100, fmt.Sprintf("Top %d Countries by GDP:", TopN), colorHeading},
	}
	for i, e := range p.Top {
		lines = append(lines, textLine{
			x:    70,
			y:    120 + i*20,
			text: fmt.Sprintf("%d. %s: %s", i+1, e.Name, humanize.FormatFloat("#,###.##", e.GDP.InexactFloat64())),
			col:  colorText,
		})
	}
	lines = append(lines, textLine{
		x:    50,
		y:    350,
		text: fmt.Sprintf("Last Refresh: %s UTC", p.LastRefreshedAt.UTC().Format(timestampLayout)),
		col:  colorFooter,
	})
	return lines
}

// Render draws the projection as a PNG.
func Render(p Projection) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, imageWidth, imageHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(colorBackground), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	ascent := face.Metrics().Ascent
	for _, l := range layout(p) {
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(l.col),
			Face: face,
			Dot:  fixed.Point26_6{X: fixed.I(l.x), Y: fixed.I(l.y) + ascent},
		}
		d.DrawString(l.text)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode summary image: %w", err)
	}
	return buf.Bytes(), nil
}
