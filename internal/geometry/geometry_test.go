package geometry

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

func square(minX, minY, size float64) orb.Polygon {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{minX + size, minY + size}}.ToPolygon()
}

func near(a, b orb.Point) bool {
	return math.Abs(a[0]-b[0]) < 1e-9 && math.Abs(a[1]-b[1]) < 1e-9
}

func TestPolygons(t *testing.T) {
	poly := square(0, 0, 10)

	tests := []struct {
		name    string
		in      orb.Geometry
		want    int
		wantErr error
	}{
		{"polygon", poly, 1, nil},
		{"multipolygon", orb.MultiPolygon{poly, square(20, 0, 5)}, 2, nil},
		{"bound", orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}, 1, nil},
		{"collection", orb.Collection{poly, orb.MultiPolygon{square(20, 0, 5)}}, 2, nil},
		{"nil", nil, 0, ErrEmpty},
		{"empty polygon", orb.Polygon{}, 0, ErrEmpty},
		{"point", orb.Point{1, 2}, 0, ErrUnsupported},
		{"collection with line", orb.Collection{poly, orb.LineString{{0, 0}, {1, 1}}}, 0, ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Polygons(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Polygons() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Polygons() unexpected error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Polygons() returned %d polygons, want %d", len(got), tt.want)
			}
		})
	}
}

func TestExteriorsDropsHoles(t *testing.T) {
	outer := square(0, 0, 10)[0]
	hole := square(2, 2, 2)[0]
	mp := orb.MultiPolygon{{outer, hole}, {}}

	got := Exteriors(mp)
	if len(got) != 1 {
		t.Fatalf("Exteriors() returned %d polygons, want 1", len(got))
	}
	if len(got[0]) != 1 {
		t.Errorf("Exteriors() kept %d rings, want 1", len(got[0]))
	}
}

func TestBounds(t *testing.T) {
	tri := orb.Polygon{{{0, 0}, {4, 0}, {0, 3}, {0, 0}}}
	got := Bounds(orb.MultiPolygon{tri})
	if len(got) != 1 {
		t.Fatalf("Bounds() returned %d polygons, want 1", len(got))
	}
	b := got[0].Bound()
	if b.Min != (orb.Point{0, 0}) || b.Max != (orb.Point{4, 3}) {
		t.Errorf("Bounds() = %v, want [0 0]-[4 3]", b)
	}
}

func TestBuffer(t *testing.T) {
	mp := orb.MultiPolygon{square(0, 0, 10)}

	t.Run("zero distance is identity", func(t *testing.T) {
		got, err := Buffer(mp, 0)
		if err != nil {
			t.Fatalf("Buffer() error: %v", err)
		}
		if len(got) != 1 || planar.Area(got) != 100 {
			t.Errorf("Buffer(0) changed the geometry: %v", got)
		}
	})

	t.Run("mitre keeps square corners", func(t *testing.T) {
		got, err := Buffer(mp, 1)
		if err != nil {
			t.Fatalf("Buffer() error: %v", err)
		}
		if area := planar.Area(got); math.Abs(area-144) > 1e-6 {
			t.Errorf("buffered area = %v, want 144", area)
		}
		b := got.Bound()
		if !near(b.Min, orb.Point{-1, -1}) || !near(b.Max, orb.Point{11, 11}) {
			t.Errorf("buffered bound = %v, want [-1 -1]-[11 11]", b)
		}
	})

	t.Run("negative buffer shrinks", func(t *testing.T) {
		got, err := Buffer(mp, -2)
		if err != nil {
			t.Fatalf("Buffer() error: %v", err)
		}
		if area := planar.Area(got); math.Abs(area-36) > 1e-6 {
			t.Errorf("shrunk area = %v, want 36", area)
		}
	})

	t.Run("collapse is empty", func(t *testing.T) {
		if _, err := Buffer(mp, -6); !errors.Is(err, ErrEmpty) {
			t.Errorf("Buffer(-6) error = %v, want ErrEmpty", err)
		}
	})
}

func TestUnaryUnion(t *testing.T) {
	t.Run("edge sharing squares dissolve", func(t *testing.T) {
		got, err := UnaryUnion([]orb.Geometry{square(0, 0, 10), square(10, 0, 10)})
		if err != nil {
			t.Fatalf("UnaryUnion() error: %v", err)
		}
		if _, ok := got.(orb.Polygon); !ok {
			t.Fatalf("UnaryUnion() = %T, want orb.Polygon", got)
		}
		if area := planar.Area(got); math.Abs(area-200) > 1e-6 {
			t.Errorf("union area = %v, want 200", area)
		}
	})

	t.Run("disjoint squares stay apart", func(t *testing.T) {
		got, err := UnaryUnion([]orb.Geometry{square(0, 0, 1), square(5, 5, 1)})
		if err != nil {
			t.Fatalf("UnaryUnion() error: %v", err)
		}
		mp, ok := got.(orb.MultiPolygon)
		if !ok || len(mp) != 2 {
			t.Errorf("UnaryUnion() = %v, want two polygons", got)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if _, err := UnaryUnion(nil); !errors.Is(err, ErrEmpty) {
			t.Errorf("UnaryUnion(nil) error = %v, want ErrEmpty", err)
		}
	})
}
