// Package postprocess contains functionality to hand-edit the served map:
// adding points the sensors missed and removing spurious ones.
package postprocess

import (
	"errors"

	"github.com/golang/geo/r3"

	"github.com/viam-modules/viam-loam/cloud"
)

// Instruction describes the action of the postprocess step.
type Instruction int

const (
	// Add is the instruction for adding points.
	Add Instruction = iota
	// Remove is the instruction for removing points.
	Remove
)

const (
	// RemovalRadius is the distance in metres around a removed point within
	// which map points are dropped.
	RemovalRadius = 0.1

	xKey = "X"
	yKey = "Y"
	zKey = "Z"

	// ToggleCommand can be used to turn postprocessing on and off.
	ToggleCommand = "postprocess_toggle"
	// AddCommand can be used to add points to the pointcloud map.
	AddCommand = "postprocess_add"
	// RemoveCommand can be used to remove points from the pointcloud map.
	RemoveCommand = "postprocess_remove"
	// UndoCommand can be used to undo last postprocessing step.
	UndoCommand = "postprocess_undo"
)

var (
	// ErrPointsNotASlice denotes that the points have not been properly formatted as a slice.
	ErrPointsNotASlice = errors.New("could not parse provided points as a slice")

	// ErrPointNotAMap denotes that a point has not been properly formatted as a map.
	ErrPointNotAMap = errors.New("could not parse provided point as a map")

	// ErrXNotProvided denotes that an X value was not provided.
	ErrXNotProvided = errors.New("X not provided")

	// ErrXNotFloat64 denotes that an X value is not a float64.
	ErrXNotFloat64 = errors.New("could not parse provided X as a float64")

	// ErrYNotProvided denotes that a Y value was not provided.
	ErrYNotProvided = errors.New("Y not provided")

	// ErrYNotFloat64 denotes that an Y value is not a float64.
	ErrYNotFloat64 = errors.New("could not parse provided Y as a float64")

	// ErrZNotFloat64 denotes that a given Z value is not a float64.
	ErrZNotFloat64 = errors.New("could not parse provided Z as a float64")
)

// Task can be used to construct a postprocessing step.
type Task struct {
	Instruction Instruction
	Points      []r3.Vector
}

// ParseDoCommand parses postprocessing DoCommands into Tasks. Each point is a
// map with float64 "X" and "Y" and an optional "Z", in metres in the map frame.
func ParseDoCommand(
	unstructuredPoints interface{},
	instruction Instruction,
) (Task, error) {
	pointSlice, ok := unstructuredPoints.([]interface{})
	if !ok {
		return Task{}, ErrPointsNotASlice
	}

	task := Task{Instruction: instruction}
	for _, point := range pointSlice {
		pointMap, ok := point.(map[string]interface{})
		if !ok {
			return Task{}, ErrPointNotAMap
		}

		x, ok := pointMap[xKey]
		if !ok {
			return Task{}, ErrXNotProvided
		}
		xFloat, ok := x.(float64)
		if !ok {
			return Task{}, ErrXNotFloat64
		}

		y, ok := pointMap[yKey]
		if !ok {
			return Task{}, ErrYNotProvided
		}
		yFloat, ok := y.(float64)
		if !ok {
			return Task{}, ErrYNotFloat64
		}

		var zFloat float64
		if z, ok := pointMap[zKey]; ok {
			if zFloat, ok = z.(float64); !ok {
				return Task{}, ErrZNotFloat64
			}
		}

		task.Points = append(task.Points, r3.Vector{X: xFloat, Y: yFloat, Z: zFloat})
	}
	return task, nil
}

// UpdatePointCloud applies tasks in order to a copy of c and returns it. c is
// left untouched.
func UpdatePointCloud(c *cloud.Cloud, tasks []Task) *cloud.Cloud {
	updated := c.Clone()
	for _, task := range tasks {
		switch task.Instruction {
		case Add:
			updated.Append(task.Points...)
		case Remove:
			updated = withoutPointsNear(updated, task.Points)
		}
	}
	return updated
}

func withoutPointsNear(c *cloud.Cloud, points []r3.Vector) *cloud.Cloud {
	kept := cloud.New()
	for _, p := range c.Points() {
		if !nearAny(p, points) {
			kept.Append(p)
		}
	}
	return kept
}

func nearAny(p r3.Vector, points []r3.Vector) bool {
	for _, point := range points {
		if point.Distance(p) <= RemovalRadius {
			return true
		}
	}
	return false
}
