// Package overlay draws detected poses over video frames and writes PNG
// snapshots of fired falls.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/fpang/ward-safety/internal/detector"
	"github.com/fpang/ward-safety/internal/pose"
)

// DefaultMaxDimension bounds the longer side of a rendered canvas.
const DefaultMaxDimension = 960

var (
	colorBackground = color.RGBA{R: 24, G: 24, B: 28, A: 255}
	colorPose       = color.RGBA{R: 64, G: 220, B: 120, A: 255}
	colorFall       = color.RGBA{R: 235, G: 52, B: 52, A: 255}
	colorLabel      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Skeleton lists the limb segments drawn between keypoints.
var Skeleton = [][2]pose.KeypointName{
	{pose.LeftEar, pose.LeftEye}, {pose.LeftEye, pose.Nose},
	{pose.Nose, pose.RightEye}, {pose.RightEye, pose.RightEar},
	{pose.LeftShoulder, pose.RightShoulder},
	{pose.LeftShoulder, pose.LeftElbow}, {pose.LeftElbow, pose.LeftWrist},
	{pose.RightShoulder, pose.RightElbow}, {pose.RightElbow, pose.RightWrist},
	{pose.LeftShoulder, pose.LeftHip}, {pose.RightShoulder, pose.RightHip},
	{pose.LeftHip, pose.RightHip},
	{pose.LeftHip, pose.LeftKnee}, {pose.LeftKnee, pose.LeftAnkle},
	{pose.RightHip, pose.RightKnee}, {pose.RightKnee, pose.RightAnkle},
}

// Canvas returns an RGBA canvas for f no larger than maxDim on its longer
// side, with the frame image scaled onto it when present, and the scale
// factor from frame to canvas coordinates.
func Canvas(f detector.Frame, maxDim int) (*image.RGBA, float64) {
	w, h := f.Width, f.Height
	if f.Image != nil {
		b := f.Image.Bounds()
		w, h = float64(b.Dx()), float64(b.Dy())
	}
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}

	scale := 1.0
	if longer := max(w, h); longer > float64(maxDim) {
		scale = float64(maxDim) / longer
	}
	canvas := image.NewRGBA(image.Rect(0, 0, int(w*scale), int(h*scale)))

	if f.Image != nil {
		draw.CatmullRom.Scale(canvas, canvas.Bounds(), f.Image, f.Image.Bounds(), draw.Src, nil)
	} else {
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(colorBackground), image.Point{}, draw.Src)
	}
	return canvas, scale
}

// Draw paints p's skeleton and keypoints onto dst, scaling frame
// coordinates by scale. Keypoints below the classifier's confidence floor
// are skipped. A fall verdict draws in red with a "FALL" label.
func Draw(dst *image.RGBA, p pose.Pose, v pose.Verdict, scale float64) {
	c := colorPose
	if v.Fall {
		c = colorFall
	}

	points := make(map[pose.KeypointName]image.Point, len(p.Keypoints))
	for _, kp := range p.Keypoints {
		if kp.Score < pose.MinKeypointScore {
			continue
		}
		points[kp.Name] = image.Pt(int(kp.X*scale), int(kp.Y*scale))
	}

	for _, seg := range Skeleton {
		a, okA := points[seg[0]]
		b, okB := points[seg[1]]
		if okA && okB {
			line(dst, a, b, c)
		}
	}
	for _, pt := range points {
		dot(dst, pt, 3, c)
	}

	if v.Fall {
		label(dst, "FALL", c)
	}
}

// line draws a one-pixel segment with Bresenham's algorithm.
func line(dst *image.RGBA, a, b image.Point, c color.RGBA) {
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	err := dx + dy
	for x, y := a.X, a.Y; ; {
		dst.SetRGBA(x, y, c)
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func dot(dst *image.RGBA, center image.Point, r int, c color.RGBA) {
	rect := image.Rect(center.X-r, center.Y-r, center.X+r+1, center.Y+r+1).Intersect(dst.Bounds())
	draw.Draw(dst, rect, image.NewUniform(c), image.Point{}, draw.Src)
}

// label draws text on a filled banner in the top-left corner.
func label(dst *image.RGBA, text string, bg color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	banner := image.Rect(0, 0, width+12, face.Height+8).Intersect(dst.Bounds())
	draw.Draw(dst, banner, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(colorLabel),
		Face: face,
		Dot:  fixed.P(6, 4+face.Ascent),
	}
	d.DrawString(text)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Renderer keeps the most recent overlay frame. It satisfies
// detector.Renderer.
type Renderer struct {
	maxDim int

	mu      sync.Mutex
	last    *image.RGBA
	lastSeq uint64
}

// NewRenderer creates a renderer bounded to maxDim pixels.
func NewRenderer(maxDim int) *Renderer {
	return &Renderer{maxDim: maxDim}
}

// Render draws p over f.
func (r *Renderer) Render(f detector.Frame, p pose.Pose, v pose.Verdict) {
	canvas, scale := Canvas(f, r.maxDim)
	Draw(canvas, p, v, scale)

	r.mu.Lock()
	r.last = canvas
	r.lastSeq = f.Seq
	r.mu.Unlock()
}

// Last returns the most recent overlay and its frame sequence number.
func (r *Renderer) Last() (*image.RGBA, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.lastSeq, r.last != nil
}

// SaveSnapshot writes the most recent overlay to dir as a PNG named after
// at, returning its path.
func (r *Renderer) SaveSnapshot(dir string, at time.Time) (string, error) {
	img, seq, ok := r.Last()
	if !ok {
		return "", fmt.Errorf("no frame rendered yet")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("fall-%s-%06d.png", at.UTC().Format("20060102T150405.000"), seq))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}

	log.Debug().Str("path", path).Uint64("seq", seq).Msg("Fall snapshot written")
	return path, nil
}
