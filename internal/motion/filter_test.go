package motion

import (
	"errors"
	"image"
	"reflect"
	"testing"
)

func TestClassify(t *testing.T) {
	roi := image.Rect(100, 100, 200, 200)

	testCases := []struct {
		name     string
		regions  []Region
		minArea  float64
		detected bool
		accepted int
	}{
		{
			name:     "no regions",
			minArea:  0,
			detected: false,
		},
		{
			name:     "inside roi above min area",
			regions:  []Region{{Bounds: image.Rect(120, 120, 140, 140), Area: 400}},
			minArea:  100,
			detected: true,
			accepted: 1,
		},
		{
			name:     "area equal to min area is rejected",
			regions:  []Region{{Bounds: image.Rect(120, 120, 140, 140), Area: 100}},
			minArea:  100,
			detected: false,
		},
		{
			name:     "large area wholly outside roi",
			regions:  []Region{{Bounds: image.Rect(0, 0, 50, 50), Area: 2500}},
			minArea:  10,
			detected: false,
		},
		{
			name:     "one corner inside roi",
			regions:  []Region{{Bounds: image.Rect(190, 190, 260, 260), Area: 50}},
			minArea:  10,
			detected: true,
			accepted: 1,
		},
		{
			name:     "region covers roi without containing its corners",
			regions:  []Region{{Bounds: image.Rect(50, 50, 300, 300), Area: 5000}},
			minArea:  10,
			detected: true,
			accepted: 1,
		},
		{
			name:     "cross shaped overlap with no corners inside either",
			regions:  []Region{{Bounds: image.Rect(80, 140, 220, 160), Area: 500}},
			minArea:  10,
			detected: true,
			accepted: 1,
		},
		{
			name:     "touching edge is not overlap",
			regions:  []Region{{Bounds: image.Rect(200, 120, 230, 140), Area: 500}},
			minArea:  10,
			detected: false,
		},
		{
			name: "mixed",
			regions: []Region{
				{Bounds: image.Rect(110, 110, 120, 120), Area: 5},
				{Bounds: image.Rect(110, 110, 150, 150), Area: 900},
				{Bounds: image.Rect(0, 0, 10, 10), Area: 900},
			},
			minArea:  10,
			detected: true,
			accepted: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			detected, accepted := Classify(tc.regions, roi, tc.minArea)
			if detected != tc.detected {
				t.Errorf("detected = %v, want %v", detected, tc.detected)
			}
			if len(accepted) != tc.accepted {
				t.Errorf("accepted %d regions, want %d", len(accepted), tc.accepted)
			}
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	regions := []Region{
		{Bounds: image.Rect(0, 0, 10, 10), Area: 50},
		{Bounds: image.Rect(5, 5, 30, 30), Area: 400},
	}
	snapshot := append([]Region(nil), regions...)
	roi := image.Rect(0, 0, 20, 20)

	d1, a1 := Classify(regions, roi, 60)
	d2, a2 := Classify(regions, roi, 60)

	if d1 != d2 || !reflect.DeepEqual(a1, a2) {
		t.Fatalf("results differ: (%v %v) vs (%v %v)", d1, a1, d2, a2)
	}
	if !reflect.DeepEqual(regions, snapshot) {
		t.Fatal("input regions were modified")
	}
}

func TestClassifyEmptyROIAcceptsNothing(t *testing.T) {
	regions := []Region{{Bounds: image.Rect(0, 0, 100, 100), Area: 1e6}}
	if detected, _ := Classify(regions, image.Rect(10, 10, 10, 40), 0); detected {
		t.Fatal("zero-area roi must not accept regions")
	}
}

func TestResolveROI(t *testing.T) {
	size := image.Pt(640, 480)

	testCases := []struct {
		name      string
		requested image.Rectangle
		want      image.Rectangle
		wantErr   bool
	}{
		{"zero means full frame", image.Rectangle{}, image.Rect(0, 0, 640, 480), false},
		{"inside", image.Rect(10, 20, 110, 220), image.Rect(10, 20, 110, 220), false},
		{"clipped", image.Rect(600, 400, 800, 600), image.Rect(600, 400, 640, 480), false},
		{"zero width", image.Rect(10, 10, 10, 50), image.Rectangle{}, true},
		{"single point", image.Rect(30, 30, 30, 30), image.Rectangle{}, true},
		{"outside", image.Rect(700, 500, 800, 600), image.Rectangle{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ResolveROI(tc.requested, size)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidROI) {
					t.Fatalf("expected ErrInvalidROI, got %v (roi %v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("roi = %v, want %v", got, tc.want)
			}
		})
	}
}
