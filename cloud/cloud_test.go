package cloud

import (
	"bytes"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
)

func TestCloud(t *testing.T) {
	t.Run("nil clouds are empty", func(t *testing.T) {
		var c *Cloud
		test.That(t, c.Size(), test.ShouldEqual, 0)
		test.That(t, c.Empty(), test.ShouldBeTrue)
		test.That(t, c.Points(), test.ShouldBeNil)
		test.That(t, c.Clone().Empty(), test.ShouldBeTrue)
	})

	t.Run("duplicates are kept", func(t *testing.T) {
		c := New()
		c.Append(r3.Vector{X: 1}, r3.Vector{X: 1})
		test.That(t, c.Size(), test.ShouldEqual, 2)
	})

	t.Run("NewFromPoints and Clone copy", func(t *testing.T) {
		points := []r3.Vector{{X: 1}, {Y: 2}}
		c := NewFromPoints(points)
		points[0] = r3.Vector{Z: 9}
		test.That(t, c.Points()[0], test.ShouldResemble, r3.Vector{X: 1})

		clone := c.Clone()
		clone.Append(r3.Vector{Z: 3})
		test.That(t, c.Size(), test.ShouldEqual, 2)
		test.That(t, clone.Size(), test.ShouldEqual, 3)
	})

	t.Run("Concat appends in order", func(t *testing.T) {
		c := NewFromPoints([]r3.Vector{{X: 1}})
		c.Concat(NewFromPoints([]r3.Vector{{X: 2}, {X: 3}}))
		c.Concat(nil)
		test.That(t, c.Points(), test.ShouldResemble, []r3.Vector{{X: 1}, {X: 2}, {X: 3}})
	})

	t.Run("IsFinite", func(t *testing.T) {
		test.That(t, IsFinite(r3.Vector{X: 1, Y: -2, Z: 3}), test.ShouldBeTrue)
		test.That(t, IsFinite(r3.Vector{X: math.NaN()}), test.ShouldBeFalse)
		test.That(t, IsFinite(r3.Vector{Y: math.Inf(1)}), test.ShouldBeFalse)
		test.That(t, IsFinite(r3.Vector{Z: math.Inf(-1)}), test.ShouldBeFalse)
	})
}

func TestTransform(t *testing.T) {
	c := NewFromPoints([]r3.Vector{{X: 1}, {Y: 2}})

	shifted := Transform(c, spatialmath.NewPoseFromPoint(r3.Vector{X: 10, Y: -1, Z: 0.5}))
	test.That(t, shifted.Points()[0].Sub(r3.Vector{X: 11, Y: -1, Z: 0.5}).Norm(), test.ShouldBeLessThan, 1e-9)
	test.That(t, shifted.Points()[1].Sub(r3.Vector{X: 10, Y: 1, Z: 0.5}).Norm(), test.ShouldBeLessThan, 1e-9)

	yaw := spatialmath.NewPoseFromOrientation(&spatialmath.OrientationVector{OZ: 1, Theta: math.Pi / 2})
	rotated := Transform(c, yaw)
	test.That(t, rotated.Points()[0].Sub(r3.Vector{Y: 1}).Norm(), test.ShouldBeLessThan, 1e-9)
	test.That(t, rotated.Points()[1].Sub(r3.Vector{X: -2}).Norm(), test.ShouldBeLessThan, 1e-9)

	test.That(t, c.Points(), test.ShouldResemble, []r3.Vector{{X: 1}, {Y: 2}})
}

func TestPCDRoundTrip(t *testing.T) {
	c := NewFromPoints([]r3.Vector{{X: 1, Y: 2, Z: 3}, {X: -4, Y: 5.5, Z: 0}})
	var buf bytes.Buffer
	test.That(t, c.WritePCD(&buf), test.ShouldBeNil)

	decoded, err := ReadPCD(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.Size(), test.ShouldEqual, 2)
	for _, want := range c.Points() {
		found := false
		for _, got := range decoded.Points() {
			if got.Sub(want).Norm() < 1e-3 {
				found = true
			}
		}
		test.That(t, found, test.ShouldBeTrue)
	}

	_, err = ReadPCD(bytes.NewBufferString("not a pcd"))
	test.That(t, err, test.ShouldNotBeNil)
}
