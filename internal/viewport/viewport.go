// Package viewport maintains the per-client affine mapping between screen
// pixels and world (map-image) coordinates. The state is local-only; two
// clients legitimately look at different parts of the same map.
package viewport

import (
	"context"
	"sync"

	"tavolo/logging"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type Config struct {
	MaxZoom  float64
	ZoomStep float64
	Padding  float64
}

func DefaultConfig() Config {
	return Config{
		MaxZoom:  3.0,
		ZoomStep: 1.2,
		Padding:  40,
	}
}

const eventDegenerateFit logging.EventType = "viewport.degenerate_fit"

// Camera holds zoom/pan state for one client. Zoom is clamped to
// [baseZoom, MaxZoom], where baseZoom is the scale that fits the loaded image
// into the container; the image can never be zoomed smaller than "fit".
type Camera struct {
	mu sync.Mutex

	cfg    Config
	logger logging.Publisher

	containerOrigin Point
	container       Size
	image           Size
	loaded          bool

	zoom     float64
	panX     float64
	panY     float64
	baseZoom float64
	minZoom  float64
}

func NewCamera(cfg Config, logger logging.Publisher) *Camera {
	if cfg.MaxZoom <= 0 {
		cfg.MaxZoom = DefaultConfig().MaxZoom
	}
	if cfg.ZoomStep <= 1 {
		cfg.ZoomStep = DefaultConfig().ZoomStep
	}
	if logger == nil {
		logger = logging.NopPublisher()
	}
	return &Camera{
		cfg:      cfg,
		logger:   logger,
		zoom:     1,
		baseZoom: 1,
		minZoom:  1,
	}
}

// ComputeBaseZoom returns the scale that fits image inside container with the
// given padding subtracted from each axis. Degenerate dimensions fall back to
// a scale of 1.
func ComputeBaseZoom(container, image Size, padding float64) float64 {
	availW := container.W - padding
	availH := container.H - padding
	if availW <= 0 || availH <= 0 || image.W <= 0 || image.H <= 0 {
		return 1
	}
	scaleX := availW / image.W
	scaleY := availH / image.H
	if scaleX < scaleY {
		return scaleX
	}
	return scaleY
}

// SetContainerBounds records the container's screen origin and size and
// refits the image so a resized container stays responsively fitted.
func (c *Camera) SetContainerBounds(origin Point, size Size) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.containerOrigin = origin
	c.container = size
	if c.loaded {
		c.refitLocked(false)
	}
}

// LoadImage registers the world image dimensions and resets the view to fit.
func (c *Camera) LoadImage(size Size) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.image = size
	c.loaded = true
	c.refitLocked(true)
}

// Unload clears the image; conversions return the origin until the next load.
func (c *Camera) Unload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.zoom = 1
	c.baseZoom = 1
	c.minZoom = 1
	c.panX = 0
	c.panY = 0
}

func (c *Camera) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *Camera) refitLocked(reset bool) {
	base := ComputeBaseZoom(c.container, c.image, c.cfg.Padding)
	if base == 1 && (c.container.W <= c.cfg.Padding || c.container.H <= c.cfg.Padding || c.image.W <= 0 || c.image.H <= 0) {
		c.logger.Publish(context.Background(), logging.Event{
			Type:     eventDegenerateFit,
			Severity: logging.SeverityWarn,
			Category: logging.CategorySystem,
			Payload: map[string]any{
				"containerW": c.container.W,
				"containerH": c.container.H,
				"imageW":     c.image.W,
				"imageH":     c.image.H,
			},
		})
	}
	c.baseZoom = base
	c.minZoom = base
	if reset || c.zoom < c.minZoom {
		c.resetToFitLocked()
	}
}

// ZoomBy scales the zoom by factor, clamped, keeping the world point under
// screenAnchor fixed on screen.
func (c *Camera) ZoomBy(factor float64, screenAnchor Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded || factor <= 0 {
		return
	}
	newZoom := clamp(c.zoom*factor, c.minZoom, c.cfg.MaxZoom)
	if newZoom == c.zoom {
		return
	}
	anchorX := screenAnchor.X - c.containerOrigin.X
	anchorY := screenAnchor.Y - c.containerOrigin.Y
	ratio := newZoom / c.zoom
	c.panX = anchorX - (anchorX-c.panX)*ratio
	c.panY = anchorY - (anchorY-c.panY)*ratio
	c.zoom = newZoom
}

// ZoomIn and ZoomOut step the zoom around the container center.
func (c *Camera) ZoomIn() {
	c.ZoomBy(c.cfg.ZoomStep, c.center())
}

func (c *Camera) ZoomOut() {
	c.ZoomBy(1/c.cfg.ZoomStep, c.center())
}

func (c *Camera) center() Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Point{
		X: c.containerOrigin.X + c.container.W/2,
		Y: c.containerOrigin.Y + c.container.H/2,
	}
}

// PanBy shifts the view by a screen-space delta. Pan is unclamped; the user
// recenters explicitly via ResetToFit.
func (c *Camera) PanBy(delta Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return
	}
	c.panX += delta.X
	c.panY += delta.Y
}

// ResetToFit restores the fit zoom and centers the scaled image.
func (c *Camera) ResetToFit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return
	}
	c.refitLocked(false)
	c.resetToFitLocked()
}

func (c *Camera) resetToFitLocked() {
	c.zoom = c.baseZoom
	c.panX = (c.container.W - c.image.W*c.zoom) / 2
	c.panY = (c.container.H - c.image.H*c.zoom) / 2
}

// ScreenToWorld converts screen pixels to world coordinates. Before an image
// is loaded it returns the origin; callers gate on Loaded.
func (c *Camera) ScreenToWorld(screen Point) Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded || c.zoom == 0 {
		return Point{}
	}
	return Point{
		X: (screen.X - c.containerOrigin.X - c.panX) / c.zoom,
		Y: (screen.Y - c.containerOrigin.Y - c.panY) / c.zoom,
	}
}

// WorldToScreen is the inverse of ScreenToWorld.
func (c *Camera) WorldToScreen(world Point) Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return Point{}
	}
	return Point{
		X: world.X*c.zoom + c.panX + c.containerOrigin.X,
		Y: world.Y*c.zoom + c.panY + c.containerOrigin.Y,
	}
}

// State reports the current transform for the renderer.
func (c *Camera) State() (zoom, panX, panY, baseZoom float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zoom, c.panX, c.panY, c.baseZoom
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
