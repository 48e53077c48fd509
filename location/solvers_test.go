package location

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticemesh/latticemesh/geom"
	"github.com/latticemesh/latticemesh/lattice"
)

func TestSolveLine(t *testing.T) {
	p := SolveLine(1.0)
	assert.Equal(t, geom.Vec3{X: 1}, p)
}

func TestSolveTwoSpheres(t *testing.T) {
	p0 := geom.Vec3{}
	p1 := geom.Vec3{X: 1}
	want := geom.Vec3{X: 1, Y: 1}

	p, err := SolveTwoSpheres(p0, p1, want.Norm(), 1.0, true)
	require.NoError(t, err)
	assert.InDelta(t, want.X, p.X, 1e-9)
	assert.InDelta(t, want.Y, p.Y, 1e-9)
	assert.Equal(t, 0.0, p.Z)

	// The negative root mirrors across the baseline.
	p, err = SolveTwoSpheres(p0, p1, want.Norm(), 1.0, false)
	require.NoError(t, err)
	assert.InDelta(t, -want.Y, p.Y, 1e-9)
}

func TestSolveTwoSpheresDegenerate(t *testing.T) {
	_, err := SolveTwoSpheres(geom.Vec3{}, geom.Vec3{}, 1, 1, true)
	assert.ErrorIs(t, err, ErrBadGeometry)

	// Far-apart spheres cannot intersect.
	_, err = SolveTwoSpheres(geom.Vec3{}, geom.Vec3{X: 10}, 1, 1, true)
	assert.ErrorIs(t, err, ErrBadGeometry)
}

func TestSolveThreeSpheres(t *testing.T) {
	// The S3 geometry: a regular tetrahedron over three anchors in z=0.
	p0 := geom.Vec3{}
	p1 := geom.Vec3{X: 1}
	p2 := geom.Vec3{X: 0.5, Y: math.Sqrt(0.75)}
	want := geom.Vec3{X: 0.5, Y: 0.289, Z: 0.816}

	r0 := want.Dist(p0)
	r1 := want.Dist(p1)
	r2 := want.Dist(p2)

	p, err := SolveThreeSpheres(p0, p1, p2, r0, r1, r2, +1)
	require.NoError(t, err)
	assert.InDelta(t, want.X, p.X, 1e-6)
	assert.InDelta(t, want.Y, p.Y, 1e-6)
	assert.InDelta(t, want.Z, p.Z, 1e-6)

	// The opposite sign hint picks the -z mirror root.
	p, err = SolveThreeSpheres(p0, p1, p2, r0, r1, r2, -1)
	require.NoError(t, err)
	assert.InDelta(t, -want.Z, p.Z, 1e-6)
}

func TestSolveThreeSpheresLatticeHint(t *testing.T) {
	// The sign hint comes from the triple product of expected lattice
	// offsets, so the chosen root always lies on the same side of the
	// anchor plane as the expected geometry.
	a, ok := lattice.OffsetBetween(0, 4)
	require.True(t, ok)
	b, ok := lattice.OffsetBetween(0, 9)
	require.True(t, ok)
	c := lattice.Point{X: 0, Y: 0, Z: 1}

	hint := geom.Triple(a.Vec(), b.Vec(), c.Vec())
	assert.Greater(t, hint, 0.0)
}

func TestSolveTOAExact(t *testing.T) {
	anchors := []geom.Vec3{
		{},
		{X: 1},
		{Y: 1},
		{Z: 1},
		{X: 1, Y: 1, Z: 1},
	}
	want := geom.Vec3{X: 0.3, Y: -0.2, Z: 0.7}

	dists := make([]float64, len(anchors))
	for i, a := range anchors {
		dists[i] = want.Dist(a)
	}

	p, err := SolveTOA(anchors, dists)
	require.NoError(t, err)
	assert.InDelta(t, want.X, p.X, 1e-9)
	assert.InDelta(t, want.Y, p.Y, 1e-9)
	assert.InDelta(t, want.Z, p.Z, 1e-9)
}

func TestSolveTOACoplanar(t *testing.T) {
	anchors := []geom.Vec3{
		{},
		{X: 1},
		{Y: 1},
		{X: 1, Y: 1},
	}
	dists := []float64{1, 1, 1, 1}

	_, err := SolveTOA(anchors, dists)
	assert.ErrorIs(t, err, geom.ErrRankDeficient)
}

func TestSolveTDOAExact(t *testing.T) {
	anchors := []geom.Vec3{
		{},
		{X: 2},
		{Y: 2},
		{Z: 2},
		{X: 2, Y: 2, Z: 1},
	}
	want := geom.Vec3{X: 0.4, Y: 0.9, Z: 0.3}
	d0 := want.Dist(anchors[0])

	pranges := make([]float64, len(anchors))
	for i, a := range anchors {
		pranges[i] = want.Dist(a) - d0
	}

	p, err := SolveTDOA(anchors, pranges)
	require.NoError(t, err)
	assert.InDelta(t, want.X, p.X, 1e-6)
	assert.InDelta(t, want.Y, p.Y, 1e-6)
	assert.InDelta(t, want.Z, p.Z, 1e-6)
}

func TestSolveTDOACoplanar(t *testing.T) {
	// S4: coplanar anchors leave the linear system rank-deficient; the
	// caller maps this to a lost position rather than a wrong one.
	anchors := []geom.Vec3{
		{},
		{X: 2},
		{Y: 2},
		{X: 2, Y: 2},
		{X: 1, Y: 2},
	}
	pranges := []float64{0, 0.1, 0.2, 0.3, 0.25}

	_, err := SolveTDOA(anchors, pranges)
	assert.ErrorIs(t, err, geom.ErrRankDeficient)
}

func TestSpringConvergence(t *testing.T) {
	cfg := DefaultConfig()
	want := geom.Vec3{X: 1, Y: 1, Z: 0}

	neighbors := []SpringNeighbor{
		{Position: geom.Vec3{}, Dist: want.Norm()},
		{Position: geom.Vec3{X: 2}, Dist: want.Dist(geom.Vec3{X: 2})},
		{Position: geom.Vec3{Y: 2}, Dist: want.Dist(geom.Vec3{Y: 2})},
	}

	s := SpringState{Position: geom.Vec3{X: 0.8, Y: 1.3, Z: 0.1}}
	for i := 0; i < 20000; i++ {
		s = SpringStep(s, neighbors, want, cfg)
	}

	assert.InDelta(t, want.X, s.Position.X, 0.02)
	assert.InDelta(t, want.Y, s.Position.Y, 0.02)
	assert.InDelta(t, want.Z, s.Position.Z, 0.02)
}

func TestSpringIgnoresBadDistances(t *testing.T) {
	cfg := DefaultConfig()
	s := SpringState{Position: geom.Vec3{X: 1}}

	neighbors := []SpringNeighbor{
		{Position: geom.Vec3{}, Dist: math.NaN()},
		{Position: geom.Vec3{X: 1}, Dist: 0}, // coincident: no direction
	}

	next := SpringStep(s, neighbors, geom.Vec3{X: 1}, cfg)
	// Only lattice gravity and damping act; the position barely moves.
	assert.InDelta(t, 1.0, next.Position.X, 1e-3)
}
