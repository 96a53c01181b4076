package capture

import (
	"testing"

	"gocv.io/x/gocv"
)

func TestNewMotionGate(t *testing.T) {
	gate := NewMotionGate(0.02)
	defer gate.Close()

	if gate.threshold != 0.02 {
		t.Errorf("threshold = %f, want 0.02", gate.threshold)
	}
	if gate.initialized {
		t.Error("gate should not have a baseline initially")
	}
}

func TestMotionGate_NoMotion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	gate := NewMotionGate(0.01)
	defer gate.Close()

	frame1 := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame1.Close()
	frame2 := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame2.Close()

	moved, changed := gate.Detect(&frame1)
	if moved || changed != 0 {
		t.Errorf("first frame = (%v, %f), want (false, 0)", moved, changed)
	}

	if moved, changed = gate.Detect(&frame2); moved {
		t.Errorf("identical frames should not open the gate, changed = %f", changed)
	}
}

func TestMotionGate_WithMotion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	gate := NewMotionGate(0.01)
	defer gate.Close()

	black := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer black.Close()
	white := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer white.Close()
	white.SetTo(gocv.NewScalar(255, 255, 255, 0))

	gate.Detect(&black)
	moved, changed := gate.Detect(&white)
	if !moved {
		t.Errorf("black to white should open the gate, changed = %f", changed)
	}
	if changed < 0.5 {
		t.Errorf("changed = %f, want > 0.5 for black to white", changed)
	}
}

func TestMotionGate_Reset(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	gate := NewMotionGate(0.01)
	defer gate.Close()

	frame := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer frame.Close()

	gate.Detect(&frame)
	if !gate.initialized {
		t.Error("gate should have a baseline after the first frame")
	}

	gate.Reset()
	if gate.initialized {
		t.Error("gate should not have a baseline after Reset")
	}
	if !gate.prevGray.Empty() {
		t.Error("baseline should be empty after Reset")
	}
}

func TestMotionGate_NilFrame(t *testing.T) {
	gate := NewMotionGate(0.01)
	defer gate.Close()

	if moved, _ := gate.Detect(nil); moved {
		t.Error("nil frame should not open the gate")
	}
}

func TestMotionGate_CloseTwice(t *testing.T) {
	gate := NewMotionGate(0.01)
	gate.Close()
	gate.Close()
}
