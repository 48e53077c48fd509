package location

import (
	"math"

	"github.com/latticemesh/latticemesh/geom"
)

// nonLocalRadius is the distance, in lattice edges, beyond which a reported
// beacon position cannot belong to this node's neighbourhood.
var nonLocalRadius = math.Sqrt(3)

// staleFraction is the tolerated disagreement between a measured distance
// and the distance implied by reported positions, in lattice edges.
const staleFraction = 0.3

// anchor is one usable measurement of a positioned beacon in a location
// slot.
type anchor struct {
	sub      int
	position geom.Vec3
	// dist is the measured distance for a participant, or the pseudorange
	// for a passive listener.
	dist float64
}

// filterNonLocal drops anchors whose reported position lies farther than
// √3·R from the node's own. It returns the kept anchors and whether the
// majority inverted: more non-local than local beacons means this node's
// own position is the outlier.
func filterNonLocal(anchors []anchor, own geom.Vec3, edge float64) (kept []anchor, inverted bool) {
	dropped := 0
	for _, a := range anchors {
		if own.Dist(a.position) > nonLocalRadius*edge {
			dropped++
			continue
		}
		kept = append(kept, a)
	}
	return kept, dropped > len(kept)
}

// filterInconsistent drops anchors whose measured distance disagrees with
// the distance between reported positions by more than 0.3·R. A stale
// neighbour is ignored for the update but keeps converging on its own.
func filterInconsistent(anchors []anchor, own geom.Vec3, edge float64) []anchor {
	kept := anchors[:0:0]
	for _, a := range anchors {
		if math.Abs(a.dist-own.Dist(a.position)) > staleFraction*edge {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// coplanar reports whether all points lie within eps of a common plane.
func coplanar(points []geom.Vec3, eps float64) bool {
	if len(points) < 4 {
		return true
	}

	p0 := points[0]
	var n geom.Vec3
	for i := 1; i < len(points)-1 && n.Norm() < 1e-12; i++ {
		n = points[i].Sub(p0).Cross(points[i+1].Sub(p0))
	}
	if n.Norm() < 1e-12 {
		return true
	}
	n = n.Unit()

	for _, p := range points[1:] {
		if math.Abs(p.Sub(p0).Dot(n)) > eps {
			return false
		}
	}
	return true
}
