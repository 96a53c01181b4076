package testdata

import "github.com/ayusman/smartpantry/internal/detector"

// At returns a detection of class centred on (x, y) with a 10px box.
func At(class string, x, y, confidence float64) detector.Detection {
	return detector.Detection{
		Box:        detector.Box{X1: x - 5, Y1: y - 5, X2: x + 5, Y2: y + 5},
		Class:      class,
		Confidence: confidence,
	}
}

// AppleAt returns a confident "apple" detection centred on (x, y).
func AppleAt(x, y float64) detector.Detection {
	return At("apple", x, y, 0.9)
}
