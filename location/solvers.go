package location

import (
	"errors"
	"fmt"
	"math"

	"github.com/latticemesh/latticemesh/geom"
)

// ErrPositionLost names the condition in which no solver branch can produce
// a valid fix. The engine does not return it: a lost fix is published as
// Update.Lost and the node's beacon role is vacated.
var ErrPositionLost = errors.New("position lost")

// ErrBadGeometry is returned when the anchor geometry cannot support the
// requested solver.
var ErrBadGeometry = errors.New("bad solver geometry")

// SolveLine places a node at distance d01 from the origin along +x. It is
// the first bootstrap step: the second node of a network defines the x
// axis.
func SolveLine(d01 float64) geom.Vec3 {
	return geom.Vec3{X: d01}
}

// SolveTwoSpheres intersects the spheres (p0, r0) and (p1, r1) in the z=0
// plane. The two roots differ in the sign of the h component; positive
// selects the +y-side root.
func SolveTwoSpheres(p0, p1 geom.Vec3, r0, r1 float64, positive bool) (geom.Vec3, error) {
	v := p1.Sub(p0)
	d := v.Norm()
	if d == 0 {
		return geom.Vec3{}, fmt.Errorf("%w: coincident sphere centres", ErrBadGeometry)
	}

	l := (r0*r0 - r1*r1 + d*d) / (2 * d)
	h2 := r0*r0 - l*l
	if h2 < 0 {
		if h2 > -r0*r0*1e-6 {
			h2 = 0
		} else {
			return geom.Vec3{}, fmt.Errorf("%w: spheres do not intersect", ErrBadGeometry)
		}
	}
	h := math.Sqrt(h2)
	if !positive {
		h = -h
	}

	return geom.Vec3{
		X: l/d*v.X - h/d*v.Y + p0.X,
		Y: l/d*v.Y + h/d*v.X + p0.Y,
		Z: 0,
	}, nil
}

// SolveThreeSpheres intersects three spheres. The two candidate roots
// differ in the sign of the component along the basis normal u3; signHint
// selects the branch, which lets the caller disambiguate from the expected
// lattice geometry without already knowing its own position.
func SolveThreeSpheres(p0, p1, p2 geom.Vec3, r0, r1, r2 float64, signHint float64) (geom.Vec3, error) {
	u1 := p1.Sub(p0)
	d := u1.Norm()
	if d == 0 {
		return geom.Vec3{}, fmt.Errorf("%w: coincident sphere centres", ErrBadGeometry)
	}
	u1 = u1.Scale(1 / d)

	rej := p2.Sub(p0).Reject(u1)
	if rej.Norm() < 1e-12 {
		return geom.Vec3{}, fmt.Errorf("%w: collinear sphere centres", ErrBadGeometry)
	}
	u2 := rej.Unit()
	u3 := u1.Cross(u2)

	// In-plane coordinates of p2 relative to p0.
	e := p2.Sub(p0)
	i := e.Dot(u1)
	j := e.Dot(u2)

	l := (r0*r0 - r1*r1 + d*d) / (2 * d)
	w := (r0*r0 - r2*r2 + i*i + j*j - 2*i*l) / (2 * j)

	h2 := r0*r0 - l*l - w*w
	if h2 < 0 {
		if h2 > -r0*r0*1e-6 {
			h2 = 0
		} else {
			return geom.Vec3{}, fmt.Errorf("%w: spheres do not intersect", ErrBadGeometry)
		}
	}
	h := math.Sqrt(h2)
	if signHint < 0 {
		h = -h
	}

	return p0.Add(u1.Scale(l)).Add(u2.Scale(w)).Add(u3.Scale(h)), nil
}

// SolveTOA solves the over-determined time-of-arrival system for n ≥ 4
// anchors with measured distances, by differencing the first sphere
// equation from the rest and solving the linear system via QR. Coplanar
// anchors make the system rank-deficient.
func SolveTOA(anchors []geom.Vec3, dists []float64) (geom.Vec3, error) {
	n := len(anchors)
	if n < 4 || len(dists) != n {
		return geom.Vec3{}, fmt.Errorf("%w: %d anchors", ErrBadGeometry, n)
	}

	p0, r0 := anchors[0], dists[0]
	rows := make([][3]float64, n-1)
	rhs := make([]float64, n-1)
	for i := 1; i < n; i++ {
		pi, ri := anchors[i], dists[i]
		v := pi.Sub(p0)
		rows[i-1] = [3]float64{2 * v.X, 2 * v.Y, 2 * v.Z}
		rhs[i-1] = r0*r0 - ri*ri + pi.Dot(pi) - p0.Dot(p0)
	}

	x, err := geom.SolveLstSq(rows, rhs)
	if err != nil {
		return geom.Vec3{}, err
	}
	return x, nil
}

// SolveTDOA solves the over-determined time-difference-of-arrival system: n
// anchors with pseudoranges p_i such that the true distance is p_i + d0 for
// the unknown common offset d0 (the listener's distance to the prime, whose
// pseudorange is zero).
//
// The linear system is solved symbolically as x = xa + xb·d0; substituting
// into |x - p0|² = d0² yields a quadratic in d0 whose positive root is
// taken.
func SolveTDOA(anchors []geom.Vec3, pranges []float64) (geom.Vec3, error) {
	n := len(anchors)
	if n < 5 || len(pranges) != n {
		return geom.Vec3{}, fmt.Errorf("%w: %d anchors", ErrBadGeometry, n)
	}

	p0 := anchors[0]
	rows := make([][3]float64, n-1)
	bconst := make([]float64, n-1)
	blin := make([]float64, n-1)
	for i := 1; i < n; i++ {
		pi, pr := anchors[i], pranges[i]
		v := pi.Sub(p0)
		rows[i-1] = [3]float64{2 * v.X, 2 * v.Y, 2 * v.Z}
		bconst[i-1] = pi.Dot(pi) - p0.Dot(p0) - pr*pr
		blin[i-1] = -2 * pr
	}

	xa, err := geom.SolveLstSq(rows, bconst)
	if err != nil {
		return geom.Vec3{}, err
	}
	xb, err := geom.SolveLstSq(rows, blin)
	if err != nil {
		return geom.Vec3{}, err
	}

	// |xa + xb·d0 - p0|² = d0²
	v := xa.Sub(p0)
	alpha := xb.Dot(xb) - 1
	beta := 2 * v.Dot(xb)
	gamma := v.Dot(v)

	d0, err := positiveRoot(alpha, beta, gamma)
	if err != nil {
		return geom.Vec3{}, err
	}
	return xa.Add(xb.Scale(d0)), nil
}

// positiveRoot returns the positive solution of αx² + βx + γ = 0,
// preferring the smaller one when both are positive.
func positiveRoot(alpha, beta, gamma float64) (float64, error) {
	if math.Abs(alpha) < 1e-15 {
		if beta == 0 {
			return 0, fmt.Errorf("%w: degenerate quadratic", ErrBadGeometry)
		}
		x := -gamma / beta
		if x < 0 {
			return 0, fmt.Errorf("%w: no positive root", ErrBadGeometry)
		}
		return x, nil
	}

	disc := beta*beta - 4*alpha*gamma
	if disc < 0 {
		return 0, fmt.Errorf("%w: no real root", ErrBadGeometry)
	}
	s := math.Sqrt(disc)
	x1 := (-beta + s) / (2 * alpha)
	x2 := (-beta - s) / (2 * alpha)
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	switch {
	case x1 >= 0:
		return x1, nil
	case x2 >= 0:
		return x2, nil
	default:
		return 0, fmt.Errorf("%w: no positive root", ErrBadGeometry)
	}
}

// SpringNeighbor is one measured constraint for the relaxation step.
type SpringNeighbor struct {
	Position geom.Vec3
	Dist     float64
}

// SpringState is the node's kinematic state carried between relaxation
// steps.
type SpringState struct {
	Position geom.Vec3
	Velocity geom.Vec3
}

// SpringStep runs one iteration of the spring relaxation: every measured
// distance pulls the node along a spring towards (or away from) the
// neighbour, the nearest lattice point exerts a weak gravity, and damping
// turns the pair into a low-pass filter that suppresses long-term drift.
func SpringStep(s SpringState, neighbors []SpringNeighbor, latticePoint geom.Vec3, cfg *Config) SpringState {
	var acc geom.Vec3

	for _, nb := range neighbors {
		if math.IsNaN(nb.Dist) || math.IsInf(nb.Dist, 0) {
			continue
		}
		v := nb.Position.Sub(s.Position)
		if v.Norm() == 0 {
			continue
		}
		target := v.Unit().Scale(nb.Dist)
		acc = acc.Add(target.Sub(v).Scale(-cfg.Ks / cfg.Mass))
	}

	acc = acc.Add(latticePoint.Sub(s.Position).Scale(cfg.Kg / cfg.Mass))
	acc = acc.Sub(s.Velocity.Scale(cfg.DampingB / cfg.Mass))

	s.Velocity = s.Velocity.Add(acc.Scale(cfg.SimDt))
	s.Position = s.Position.Add(s.Velocity.Scale(cfg.SimDt))
	return s
}
