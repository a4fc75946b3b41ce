package hybridgrid

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viam-modules/viam-loam/cloud"
)

// keepAll never merges distinct points.
var keepAll = cloud.NewVoxelFilter(1e-6)

func newTestMap(t *testing.T) *PointMap {
	t.Helper()
	m := NewPointMap(1, DefaultMaxBits, DefaultSurroundRadius)
	err := m.InsertScan(cloud.NewFromPoints([]r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 0.1, Y: 0, Z: 0},
		{X: 5, Y: 0, Z: 0},
	}), keepAll)
	test.That(t, err, test.ShouldBeNil)
	return m
}

func TestGetSurroundedCloud(t *testing.T) {
	t.Run("buckets hit many times are returned once", func(t *testing.T) {
		m := newTestMap(t)
		scan := cloud.NewFromPoints([]r3.Vector{
			{X: 0.2, Y: 0.1}, {X: -0.2}, {Y: 0.3}, {Z: -0.4}, {X: 0.1, Y: 0.1, Z: 0.1},
			{X: 5.2}, {X: 4.9, Y: 0.2},
		})
		surround := m.GetSurroundedCloud(scan, spatialmath.NewZeroPose())
		test.That(t, surround.Size(), test.ShouldEqual, 3)
		test.That(t, surround.Points(), test.ShouldResemble, []r3.Vector{{X: 0}, {X: 0.1}, {X: 5}})
	})

	t.Run("scan points are transformed by the pose", func(t *testing.T) {
		m := newTestMap(t)
		scan := cloud.NewFromPoints([]r3.Vector{{X: 0, Y: 0, Z: 0}})
		pose := spatialmath.NewPoseFromPoint(r3.Vector{X: 5})
		surround := m.GetSurroundedCloud(scan, pose)
		test.That(t, surround.Points(), test.ShouldResemble, []r3.Vector{{X: 5}})
	})

	t.Run("empty voxels contribute nothing", func(t *testing.T) {
		m := newTestMap(t)
		scan := cloud.NewFromPoints([]r3.Vector{{X: 2}, {Y: 40}})
		test.That(t, m.GetSurroundedCloud(scan, spatialmath.NewZeroPose()).Empty(), test.ShouldBeTrue)
	})

	t.Run("points beyond the surround radius are ignored", func(t *testing.T) {
		m := newTestMap(t)
		scan := cloud.NewFromPoints([]r3.Vector{{X: 150}})
		pose := spatialmath.NewPoseFromPoint(r3.Vector{X: -150})
		test.That(t, m.GetSurroundedCloud(scan, pose).Empty(), test.ShouldBeTrue)

		near := NewPointMap(1, DefaultMaxBits, 200)
		test.That(t, near.InsertScan(cloud.NewFromPoints([]r3.Vector{{}}), keepAll), test.ShouldBeNil)
		test.That(t, near.GetSurroundedCloud(scan, pose).Size(), test.ShouldEqual, 1)
	})

	t.Run("non-finite scan points are ignored", func(t *testing.T) {
		m := newTestMap(t)
		scan := cloud.NewFromPoints([]r3.Vector{{X: math.NaN()}, {Y: math.Inf(1)}, {X: 5}})
		surround := m.GetSurroundedCloud(scan, spatialmath.NewZeroPose())
		test.That(t, surround.Points(), test.ShouldResemble, []r3.Vector{{X: 5}})
	})

	t.Run("querying does not modify the map", func(t *testing.T) {
		m := newTestMap(t)
		scan := cloud.NewFromPoints([]r3.Vector{{}, {X: 5}})
		surround := m.GetSurroundedCloud(scan, spatialmath.NewZeroPose())
		surround.Append(r3.Vector{X: 100})
		voxels, points := m.Stats()
		test.That(t, voxels, test.ShouldEqual, 2)
		test.That(t, points, test.ShouldEqual, 3)
	})
}

func TestInsertScan(t *testing.T) {
	t.Run("an empty scan is a no-op", func(t *testing.T) {
		m := NewPointMap(1, DefaultMaxBits, DefaultSurroundRadius)
		test.That(t, m.InsertScan(cloud.New(), keepAll), test.ShouldBeNil)
		test.That(t, m.InsertScan(nil, keepAll), test.ShouldBeNil)
		voxels, points := m.Stats()
		test.That(t, voxels, test.ShouldEqual, 0)
		test.That(t, points, test.ShouldEqual, 0)
		test.That(t, m.Grid().Bits(), test.ShouldEqual, 1)
	})

	t.Run("touched buckets stay bounded by the filter", func(t *testing.T) {
		m := newTestMap(t)
		coarse := cloud.NewVoxelFilter(10)

		var dense []r3.Vector
		for i := 0; i < 100; i++ {
			f := float64(i%10)/10 - 0.45
			g := float64(i/10)/10 - 0.45
			dense = append(dense, r3.Vector{X: f * 0.9, Y: g * 0.9, Z: (f + g) / 2.5})
		}
		for round := 0; round < 3; round++ {
			test.That(t, m.InsertScan(cloud.NewFromPoints(dense), coarse), test.ShouldBeNil)
			bucket := m.Grid().Value(Index{})
			test.That(t, bucket.Size(), test.ShouldBeLessThanOrEqualTo, 8)
		}

		// The voxel at x=5 was never touched and keeps its single original point.
		test.That(t, m.Grid().Value(Index{X: 5}).Points(), test.ShouldResemble, []r3.Vector{{X: 5}})
	})

	t.Run("untouched buckets are left alone", func(t *testing.T) {
		m := NewPointMap(1, DefaultMaxBits, DefaultSurroundRadius)
		neighbor := []r3.Vector{{X: 3}, {X: 3.1}, {X: 3.2, Y: 0.1}}
		test.That(t, m.InsertScan(cloud.NewFromPoints(neighbor), keepAll), test.ShouldBeNil)

		test.That(t, m.InsertScan(cloud.NewFromPoints([]r3.Vector{{}, {X: 0.1}, {X: 0.2}}), cloud.NewVoxelFilter(10)), test.ShouldBeNil)
		test.That(t, m.Grid().Value(Index{X: 3}).Points(), test.ShouldResemble, neighbor)
		test.That(t, m.Grid().Value(Index{}).Size(), test.ShouldEqual, 1)
	})

	t.Run("points far away grow the map", func(t *testing.T) {
		m := NewPointMap(3, DefaultMaxBits, DefaultSurroundRadius)
		test.That(t, m.InsertScan(cloud.NewFromPoints([]r3.Vector{{X: -20000, Y: 100}}), keepAll), test.ShouldBeNil)
		test.That(t, m.Grid().Bits(), test.ShouldBeGreaterThan, 1)
		voxels, _ := m.Stats()
		test.That(t, voxels, test.ShouldEqual, 1)
	})

	t.Run("non-finite points are skipped", func(t *testing.T) {
		m := NewPointMap(1, DefaultMaxBits, DefaultSurroundRadius)
		scan := cloud.NewFromPoints([]r3.Vector{{X: math.NaN()}, {X: 1}, {Y: math.Inf(1)}, {Z: math.Inf(-1)}})
		test.That(t, m.InsertScan(scan, keepAll), test.ShouldBeNil)
		voxels, points := m.Stats()
		test.That(t, voxels, test.ShouldEqual, 1)
		test.That(t, points, test.ShouldEqual, 1)
		test.That(t, m.Grid().Bits(), test.ShouldEqual, 1)
	})

	t.Run("points outside of the representable volume are an error", func(t *testing.T) {
		m := NewPointMap(1, DefaultMaxBits, DefaultSurroundRadius)
		err := m.InsertScan(cloud.NewFromPoints([]r3.Vector{{X: 1}, {X: 9000}}), keepAll)
		test.That(t, errors.Is(err, ErrGridBoundExceeded), test.ShouldBeTrue)
		voxels, points := m.Stats()
		test.That(t, voxels, test.ShouldEqual, 1)
		test.That(t, points, test.ShouldEqual, 1)
	})
}
