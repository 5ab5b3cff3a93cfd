package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"gocv.io/x/gocv"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/yk-abe/people-counter/internal/config"
	"github.com/yk-abe/people-counter/internal/count"
	"github.com/yk-abe/people-counter/pkg/vision"
)

var (
	colorTrack  = color.RGBA{0, 255, 0, 0}
	colorLineA  = color.RGBA{255, 160, 0, 0}
	colorLineB  = color.RGBA{0, 160, 255, 0}
	colorText   = color.RGBA{255, 255, 255, 0}
	colorBanner = color.RGBA{0, 0, 0, 0}
)

// Annotator draws track boxes, counting geometry and the live counts
// onto frames before they reach viewers and the recorder.
type Annotator struct {
	mode  string
	lines []config.LineConfig
	doors map[string]config.DoorConfig
}

// New builds an annotator for the configured counting geometry.
func New(cfg config.CountingConfig) *Annotator {
	return &Annotator{
		mode:  cfg.Mode,
		lines: cfg.Lines,
		doors: cfg.Doors,
	}
}

// Draw renders in place: geometry first, then track boxes, then the
// counts banner on top.
func (a *Annotator) Draw(img *gocv.Mat, tracks []vision.Track, snap count.Snapshot, fps float64) {
	if img.Empty() {
		return
	}

	a.drawGeometry(img)

	for _, track := range tracks {
		rect := image.Rect(int(track.Rect.X1), int(track.Rect.Y1), int(track.Rect.X2), int(track.Rect.Y2))
		gocv.Rectangle(img, rect, colorTrack, 2)
		label := fmt.Sprintf("ID %d", track.ID)
		gocv.PutText(img, label, image.Pt(rect.Min.X, rect.Min.Y-6),
			gocv.FontHersheyPlain, 1.2, colorTrack, 2)
	}

	banner := fmt.Sprintf("IN %d  OUT %d  OCC %d  %.1f fps",
		snap.Totals.Enter, snap.Totals.Exit, snap.Totals.Occupancy, fps)
	gocv.Rectangle(img, image.Rect(0, 0, 14+9*len(banner), 28), colorBanner, -1)
	gocv.PutText(img, banner, image.Pt(8, 20), gocv.FontHersheyPlain, 1.4, colorText, 2)
}

func (a *Annotator) drawGeometry(img *gocv.Mat) {
	w, h := img.Cols(), img.Rows()

	if a.mode == config.ModeSingleLine {
		for _, line := range a.lines {
			pos := int(line.Position)
			var p1, p2 image.Point
			if line.Orientation == config.OrientationVertical {
				p1, p2 = image.Pt(0, pos), image.Pt(w, pos)
			} else {
				p1, p2 = image.Pt(pos, 0), image.Pt(pos, h)
			}
			gocv.Line(img, p1, p2, colorLineA, 2)
			gocv.PutText(img, line.Name, image.Pt(p1.X+4, p1.Y+16),
				gocv.FontHersheyPlain, 1.0, colorLineA, 1)
		}
		return
	}

	for name, door := range a.doors {
		a1 := image.Pt(int(door.LineA[0]), int(door.LineA[1]))
		a2 := image.Pt(int(door.LineA[2]), int(door.LineA[3]))
		b1 := image.Pt(int(door.LineB[0]), int(door.LineB[1]))
		b2 := image.Pt(int(door.LineB[2]), int(door.LineB[3]))
		gocv.Line(img, a1, a2, colorLineA, 2)
		gocv.Line(img, b1, b2, colorLineB, 2)
		mid := image.Pt((a1.X+a2.X)/2, (a1.Y+a2.Y)/2)
		gocv.PutText(img, name, image.Pt(mid.X+4, mid.Y),
			gocv.FontHersheyPlain, 1.0, colorText, 1)
	}
}

// EncodeJPEG compresses a frame for streaming and recording.
func EncodeJPEG(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(".jpg", img)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// PlaceholderJPEG renders a dark card with a centered message, shown to
// stream clients while no camera frame is available.
func PlaceholderJPEG(w, h int, msg string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{24, 24, 24, 255}}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	textW := font.MeasureString(face, msg).Ceil()
	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{200, 200, 200, 255}),
		Face: face,
		Dot: fixed.P(
			(w-textW)/2,
			h/2,
		),
	}
	drawer.DrawString(msg)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil
	}
	return out.Bytes()
}
