package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/smartpantry/internal/detector"
	"github.com/ayusman/smartpantry/internal/region"
	"github.com/ayusman/smartpantry/internal/timeutil"
	"github.com/ayusman/smartpantry/internal/tracking"
	"github.com/ayusman/smartpantry/testdata"
)

func shelfFrames(t *testing.T) []*gocv.Mat {
	t.Helper()

	empty := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	withItem := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	gocv.Rectangle(&withItem, image.Rect(100, 100, 300, 300), color.RGBA{255, 255, 255, 0}, -1)
	still := withItem.Clone()

	t.Cleanup(func() {
		empty.Close()
		withItem.Close()
		still.Close()
	})
	return []*gocv.Mat{&empty, &withItem, &still}
}

func TestSource_GatesOnMotion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	det := detector.NewMockDetector()
	det.SetDetections([]detector.Detection{testdata.AppleAt(200, 200)})
	clock := timeutil.NewMockClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))

	src := NewSource(NewMockCamera(shelfFrames(t), false), det, SourceConfig{
		MotionThreshold: 0.01,
		IdleInterval:    200 * time.Millisecond,
		ActiveInterval:  33 * time.Millisecond,
		Clock:           clock,
	})
	defer src.Close()

	ctx := context.Background()
	var frames []detector.Frame
	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		frames = append(frames, f)
	}

	// The empty shelf only sets the motion baseline.
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	for i, f := range frames {
		if f.Index != int64(i+1) {
			t.Errorf("frames[%d].Index = %d, want %d", i, f.Index, i+1)
		}
		if f.Width != 640 || f.Height != 480 {
			t.Errorf("frames[%d] size = %vx%v, want 640x480", i, f.Width, f.Height)
		}
		if len(f.Detections) != 1 || f.Detections[0].Class != "apple" {
			t.Errorf("frames[%d].Detections = %v", i, f.Detections)
		}
	}
	if det.Calls() != 2 {
		t.Errorf("detector calls = %d, want 2", det.Calls())
	}

	want := []time.Duration{200 * time.Millisecond, 200 * time.Millisecond, 33 * time.Millisecond, 33 * time.Millisecond}
	got := clock.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleeps[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSource_DetectorErrorSkipsFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	det := detector.NewMockDetector()
	det.SetError(errors.New("detector crashed"))

	src := NewSource(NewMockCamera(shelfFrames(t), false), det, SourceConfig{
		MotionThreshold: 0.01,
		Clock:           timeutil.NewMockClock(time.Now()),
	})
	defer src.Close()

	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
}

func TestSource_Cancelled(t *testing.T) {
	src := NewSource(NewMockCamera(nil, false), detector.NewMockDetector(), SourceConfig{})
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}

func TestFPS(t *testing.T) {
	tests := []struct {
		interval time.Duration
		want     int
	}{
		{200 * time.Millisecond, 5},
		{33 * time.Millisecond, 30},
		{2 * time.Second, 1},
		{0, DefaultFPS},
	}
	for _, tt := range tests {
		if got := fps(tt.interval); got != tt.want {
			t.Errorf("fps(%v) = %d, want %d", tt.interval, got, tt.want)
		}
	}
}

func TestBaseline_FollowsAcceptedDetections(t *testing.T) {
	frame := detector.Frame{
		Index:  7,
		Width:  640,
		Height: 480,
		Detections: []detector.Detection{
			testdata.At("apple", 50, 50, 0.3),
			testdata.At("apple", 400, 240, 0.9),
			testdata.At("apple", 600, 400, 0.95),
			testdata.At("milk", 200, 200, 0.4),
			{Class: "bread", Box: detector.Box{X1: 10, Y1: 10, X2: 5, Y2: 20}, Confidence: 0.9},
		},
	}

	got := baseline(tracking.NewCorrelator(0.6, region.Binary, nil), frame)

	if len(got) != 1 {
		t.Fatalf("baseline() = %v, want only apple", got)
	}
	if want := (region.Point{X: 400, Y: 240}); got["apple"] != want {
		t.Errorf("apple baseline = %v, want %v (first confident detection)", got["apple"], want)
	}
}
