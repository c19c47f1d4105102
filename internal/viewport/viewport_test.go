package viewport

import (
	"context"
	"math"
	"testing"

	"tavolo/logging"
	"tavolo/logging/sinks"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func loadedCamera(t *testing.T) *Camera {
	t.Helper()
	camera := NewCamera(Config{MaxZoom: 3.0, ZoomStep: 1.2, Padding: 20}, nil)
	camera.SetContainerBounds(Point{X: 0, Y: 0}, Size{W: 800, H: 600})
	camera.LoadImage(Size{W: 1600, H: 1200})
	return camera
}

func TestComputeBaseZoom(t *testing.T) {
	base := ComputeBaseZoom(Size{W: 800, H: 600}, Size{W: 1600, H: 1200}, 20)
	want := (600.0 - 20.0) / 1200.0
	if !almostEqual(base, want) {
		t.Fatalf("base zoom %v, want %v", base, want)
	}
}

func TestComputeBaseZoomDegenerate(t *testing.T) {
	cases := []struct {
		name      string
		container Size
		image     Size
	}{
		{"zero container", Size{}, Size{W: 100, H: 100}},
		{"zero image", Size{W: 800, H: 600}, Size{}},
		{"container smaller than padding", Size{W: 10, H: 10}, Size{W: 100, H: 100}},
	}
	for _, tc := range cases {
		if base := ComputeBaseZoom(tc.container, tc.image, 20); base != 1 {
			t.Fatalf("%s: base zoom %v, want 1", tc.name, base)
		}
	}
}

func TestLoadImageResetsToFit(t *testing.T) {
	camera := loadedCamera(t)

	zoom, panX, panY, baseZoom := camera.State()
	if !almostEqual(zoom, baseZoom) {
		t.Fatalf("zoom %v not at base %v after load", zoom, baseZoom)
	}
	wantPanX := (800 - 1600*zoom) / 2
	wantPanY := (600 - 1200*zoom) / 2
	if !almostEqual(panX, wantPanX) || !almostEqual(panY, wantPanY) {
		t.Fatalf("pan (%v,%v), want centered (%v,%v)", panX, panY, wantPanX, wantPanY)
	}
}

func TestScreenWorldRoundTrip(t *testing.T) {
	camera := loadedCamera(t)
	camera.ZoomBy(1.7, Point{X: 250, Y: 180})
	camera.PanBy(Point{X: -33, Y: 12})

	points := []Point{{X: 0, Y: 0}, {X: 400, Y: 300}, {X: 799, Y: 599}, {X: -50, Y: 1000}}
	for _, screen := range points {
		world := camera.ScreenToWorld(screen)
		back := camera.WorldToScreen(world)
		if !almostEqual(back.X, screen.X) || !almostEqual(back.Y, screen.Y) {
			t.Fatalf("round trip %v -> %v -> %v", screen, world, back)
		}
	}
}

func TestZoomKeepsAnchorFixed(t *testing.T) {
	camera := loadedCamera(t)

	anchor := Point{X: 320, Y: 240}
	before := camera.ScreenToWorld(anchor)
	camera.ZoomBy(1.5, anchor)
	after := camera.ScreenToWorld(anchor)

	if !almostEqual(before.X, after.X) || !almostEqual(before.Y, after.Y) {
		t.Fatalf("anchor drifted: %v -> %v", before, after)
	}
}

func TestZoomClamping(t *testing.T) {
	camera := loadedCamera(t)
	_, _, _, baseZoom := camera.State()

	camera.ZoomBy(1000, Point{X: 400, Y: 300})
	zoom, _, _, _ := camera.State()
	if !almostEqual(zoom, 3.0) {
		t.Fatalf("zoom %v, want clamped at 3.0", zoom)
	}

	camera.ZoomBy(1e-9, Point{X: 400, Y: 300})
	zoom, _, _, _ = camera.State()
	if !almostEqual(zoom, baseZoom) {
		t.Fatalf("zoom %v, want clamped at base %v", zoom, baseZoom)
	}
}

func TestZoomStepsAroundCenter(t *testing.T) {
	camera := loadedCamera(t)

	center := Point{X: 400, Y: 300}
	before := camera.ScreenToWorld(center)
	camera.ZoomIn()
	after := camera.ScreenToWorld(center)
	if !almostEqual(before.X, after.X) || !almostEqual(before.Y, after.Y) {
		t.Fatalf("center drifted on ZoomIn: %v -> %v", before, after)
	}

	zoomIn, _, _, baseZoom := camera.State()
	if !almostEqual(zoomIn, baseZoom*1.2) {
		t.Fatalf("zoom %v after one step, want %v", zoomIn, baseZoom*1.2)
	}

	camera.ZoomOut()
	zoomBack, _, _, _ := camera.State()
	if !almostEqual(zoomBack, baseZoom) {
		t.Fatalf("zoom %v after stepping back, want %v", zoomBack, baseZoom)
	}
}

func TestPanIsUnclamped(t *testing.T) {
	camera := loadedCamera(t)
	_, panX, panY, _ := camera.State()

	camera.PanBy(Point{X: 5000, Y: -5000})
	_, gotX, gotY, _ := camera.State()
	if !almostEqual(gotX, panX+5000) || !almostEqual(gotY, panY-5000) {
		t.Fatalf("pan (%v,%v), want (%v,%v)", gotX, gotY, panX+5000, panY-5000)
	}
}

func TestResetToFitRestoresCenteredBase(t *testing.T) {
	camera := loadedCamera(t)
	camera.ZoomBy(2, Point{X: 100, Y: 100})
	camera.PanBy(Point{X: 400, Y: 400})

	camera.ResetToFit()
	zoom, panX, panY, baseZoom := camera.State()
	if !almostEqual(zoom, baseZoom) {
		t.Fatalf("zoom %v after reset, want base %v", zoom, baseZoom)
	}
	if !almostEqual(panX, (800-1600*zoom)/2) || !almostEqual(panY, (600-1200*zoom)/2) {
		t.Fatalf("pan (%v,%v) after reset not centered", panX, panY)
	}
}

func TestResizeRefits(t *testing.T) {
	camera := loadedCamera(t)

	camera.SetContainerBounds(Point{}, Size{W: 400, H: 300})
	zoom, _, _, baseZoom := camera.State()
	want := ComputeBaseZoom(Size{W: 400, H: 300}, Size{W: 1600, H: 1200}, 20)
	if !almostEqual(baseZoom, want) {
		t.Fatalf("base zoom %v after resize, want %v", baseZoom, want)
	}
	if zoom < baseZoom {
		t.Fatalf("zoom %v below new floor %v", zoom, baseZoom)
	}
}

func TestConversionsBeforeLoadReturnOrigin(t *testing.T) {
	camera := NewCamera(DefaultConfig(), nil)
	camera.SetContainerBounds(Point{}, Size{W: 800, H: 600})

	if got := camera.ScreenToWorld(Point{X: 123, Y: 45}); got != (Point{}) {
		t.Fatalf("ScreenToWorld before load: %v", got)
	}
	if got := camera.WorldToScreen(Point{X: 123, Y: 45}); got != (Point{}) {
		t.Fatalf("WorldToScreen before load: %v", got)
	}
	if camera.Loaded() {
		t.Fatalf("camera reports loaded with no image")
	}
}

func TestDegenerateFitLogsWarning(t *testing.T) {
	memory := sinks.NewMemorySink()
	router, err := logging.NewRouter(nil, logging.Config{
		EnabledSinks: []string{"memory"},
		BufferSize:   8,
	}, []logging.NamedSink{{Name: "memory", Sink: memory}})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	camera := NewCamera(Config{MaxZoom: 3.0, ZoomStep: 1.2, Padding: 20}, router)
	camera.SetContainerBounds(Point{}, Size{W: 10, H: 10})
	camera.LoadImage(Size{W: 1600, H: 1200})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close router: %v", err)
	}
	events := memory.Events()
	if len(events) == 0 {
		t.Fatalf("no events captured for degenerate fit")
	}
	if events[0].Type != eventDegenerateFit {
		t.Fatalf("event type %q, want %q", events[0].Type, eventDegenerateFit)
	}
}
