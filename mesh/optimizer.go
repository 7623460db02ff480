package mesh

import (
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// StopReason says why the optimizer returned.
type StopReason string

const (
	StopNoFeatures    StopReason = "no-features"
	StopGradient      StopReason = "gradient"
	StopStep          StopReason = "step"
	StopStall         StopReason = "stall"
	StopMaxIterations StopReason = "max-iterations"
	StopRetries       StopReason = "retries-exhausted"
)

// OptimizeResult contains the outcome of one Optimize call
type OptimizeResult struct {
	InitialCost  float64    `json:"initialCost"`
	FinalCost    float64    `json:"finalCost"`
	Iterations   int        `json:"iterations"`   // Linearizations performed
	Rejections   int        `json:"rejections"`   // Rejected or failed solves
	Damping      float64    `json:"damping"`      // Lambda at exit
	GradientNorm float64    `json:"gradientNorm"` // |g| at the last linearization
	Reason       StopReason `json:"reason"`
	Converged    bool       `json:"converged"` // Stopped on a tolerance rather than a budget
	Costs        []float64  `json:"costs"`     // Initial cost followed by every accepted cost
}

// Optimizer is a Levenberg-Marquardt solver over a window of poses. Each
// pose has six degrees of freedom, a left rotation increment followed by a
// translation increment.
type Optimizer struct {
	cfg     OptimizerConfig
	log     logrus.FieldLogger
	metrics *Metrics
}

// NewOptimizer creates an optimizer. logger and metrics may be nil.
func NewOptimizer(cfg OptimizerConfig, logger logrus.FieldLogger, metrics *Metrics) *Optimizer {
	return &Optimizer{cfg: cfg, log: orDiscard(logger), metrics: metrics}
}

// Optimize refines poses in place against the features of acc. On return
// poses hold the last accepted estimate, never one with a higher cost than
// the input.
func (o *Optimizer) Optimize(poses []Pose, acc *FeatureAccumulator) OptimizeResult {
	cfg := o.cfg
	features := acc.Features()
	lambda := cfg.InitialDamping
	res := OptimizeResult{Damping: lambda, Reason: StopMaxIterations}

	if len(features) == 0 || len(poses) == 0 {
		res.Reason = StopNoFeatures
		res.Converged = true
		return res
	}

	cost := acc.Cost(poses)
	res.InitialCost = cost
	res.Costs = []float64{cost}
	stalls := 0

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		sys, err := o.linearize(poses, features)
		if err != nil {
			o.log.WithError(err).Warn("linearization failed")
			res.Reason = StopRetries
			break
		}
		res.Iterations = iter + 1
		res.GradientNorm = floats.Norm(sys.grad, 2)

		if res.GradientNorm < cfg.GradientTol {
			res.Reason = StopGradient
			res.Converged = true
			break
		}

		var (
			accepted bool
			stop     bool
			rel      float64
		)
		for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
			dx, ok := sys.solve(lambda)
			if ok {
				if floats.Norm(dx, 2) < cfg.StepTol {
					res.Reason = StopStep
					// a step shrunk by rejected attempts is not convergence
					res.Converged = attempt == 0
					stop = true
					break
				}
				candidate := applyIncrement(poses, dx)
				if next := acc.Cost(candidate); next < cost {
					rel = (cost - next) / cost
					copy(poses, candidate)
					cost = next
					lambda = math.Max(lambda*cfg.DampingShrink, cfg.MinDamping)
					accepted = true
					break
				}
			}
			res.Rejections++
			o.metrics.observeRejection()
			lambda *= cfg.DampingGrow
		}

		o.log.WithFields(logrus.Fields{
			"iteration": iter,
			"cost":      cost,
			"damping":   lambda,
			"gradient":  res.GradientNorm,
			"accepted":  accepted,
		}).Debug("solver iteration")

		if stop {
			break
		}
		if !accepted {
			res.Reason = StopRetries
			break
		}
		res.Costs = append(res.Costs, cost)

		if rel < cfg.CostTol {
			stalls++
			if stalls >= cfg.StallIterations {
				res.Reason = StopStall
				res.Converged = true
				break
			}
		} else {
			stalls = 0
		}
	}

	res.FinalCost = cost
	res.Damping = lambda
	return res
}

// applyIncrement returns a perturbed copy of poses.
func applyIncrement(poses []Pose, dx []float64) []Pose {
	out := make([]Pose, len(poses))
	for i, p := range poses {
		b := 6 * i
		phi := r3.Vec{X: dx[b], Y: dx[b+1], Z: dx[b+2]}
		dt := r3.Vec{X: dx[b+3], Y: dx[b+4], Z: dx[b+5]}
		out[i] = p.Perturb(phi, dt)
	}
	return out
}

// normalEquations holds the Gauss-Newton gradient and Hessian of the
// point-to-plane cost. hess is dense, row-major and symmetric.
type normalEquations struct {
	dim  int
	grad []float64
	hess []float64
}

func newNormalEquations(dim int) *normalEquations {
	return &normalEquations{
		dim:  dim,
		grad: make([]float64, dim),
		hess: make([]float64, dim*dim),
	}
}

func (ne *normalEquations) merge(o *normalEquations) {
	floats.Add(ne.grad, o.grad)
	floats.Add(ne.hess, o.hess)
}

func (ne *normalEquations) addBlock(row, col int, b Mat3) {
	for i := 0; i < 3; i++ {
		off := (row+i)*ne.dim + col
		for j := 0; j < 3; j++ {
			ne.hess[off+j] += b[i][j]
		}
	}
}

func (ne *normalEquations) addGrad(at int, v r3.Vec) {
	ne.grad[at] += v.X
	ne.grad[at+1] += v.Y
	ne.grad[at+2] += v.Z
}

// solve returns the step dx of (H + lambda*I) dx = -g. ok is false when the
// damped system cannot be factorized or is too ill-conditioned to trust.
func (ne *normalEquations) solve(lambda float64) ([]float64, bool) {
	n := ne.dim
	data := make([]float64, n*n)
	copy(data, ne.hess)
	for i := 0; i < n; i++ {
		data[i*n+i] += lambda
	}
	var chol mat.Cholesky
	if !chol.Factorize(mat.NewSymDense(n, data)) {
		return nil, false
	}
	rhs := make([]float64, n)
	floats.ScaleTo(rhs, -1, ne.grad)
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, rhs)); err != nil {
		return nil, false
	}
	dx := make([]float64, n)
	for i := range dx {
		dx[i] = x.AtVec(i)
	}
	return dx, true
}

// linearize builds the normal equations at poses. With more than one worker
// the features are split into contiguous partitions, each accumulated into
// its own system and merged in partition order.
func (o *Optimizer) linearize(poses []Pose, features []PlaneFeature) (*normalEquations, error) {
	dim := 6 * len(poses)
	workers := o.cfg.Workers
	if workers > len(features) {
		workers = len(features)
	}
	if workers <= 1 {
		sys := newNormalEquations(dim)
		for _, f := range features {
			accumulateFeature(sys, f, poses)
		}
		return sys, nil
	}

	parts := make([]*normalEquations, workers)
	chunk := (len(features) + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		lo := min(w*chunk, len(features))
		hi := min(lo+chunk, len(features))
		g.Go(func() error {
			sys := newNormalEquations(dim)
			for _, f := range features[lo:hi] {
				accumulateFeature(sys, f, poses)
			}
			parts[w] = sys
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, p := range parts[1:] {
		parts[0].merge(p)
	}
	return parts[0], nil
}

// observation is one pose's view of a feature, rotated into the common frame.
type observation struct {
	base int     // first state index of the pose
	n    float64 // point count
	m    r3.Vec  // R s
	a    Mat3    // R S Rᵀ
	t    r3.Vec
}

// accumulateFeature adds one feature's gradient and Gauss-Newton Hessian.
//
// With u the plane normal and c the centroid, every point residual is
// u·(p - c). Differentiating through the centroid couples every pair of
// poses observing the feature, giving a diagonal block per pose minus the
// rank-one term N ḡ_k ḡ_lᵀ for every pair (k, l), where
// ḡ_k = (m_k × u, n_k u) / N.
func accumulateFeature(sys *normalEquations, f PlaneFeature, poses []Pose) {
	obs := make([]observation, len(f.Stats))
	var world Moments
	for k, s := range f.Stats {
		pose := poses[s.PoseID]
		R := pose.Rotation
		ob := observation{
			base: 6 * s.PoseID,
			n:    float64(s.Count),
			m:    R.MulVec(s.Sum),
			a:    R.Mul(s.Outer).Mul(R.T()),
			t:    pose.Translation,
		}
		obs[k] = ob
		world.Merge(s.Moments.Transform(pose))
	}

	c, cov := world.Covariance()
	_, vecs, ok := eigenSym3(cov)
	if !ok {
		return
	}
	u := vecs[0]
	N := float64(world.Count)
	ux := Skew(u)
	uu := Outer(u, u)

	gbar := make([][2]r3.Vec, len(obs))
	for k, ob := range obs {
		beta := r3.Dot(u, r3.Sub(ob.t, c))
		mu := r3.Cross(ob.m, u)

		gphi := r3.Add(r3.Cross(ob.a.MulVec(u), u), r3.Scale(beta, mu))
		gt := r3.Scale(r3.Dot(u, ob.m)+ob.n*beta, u)
		sys.addGrad(ob.base, gphi)
		sys.addGrad(ob.base+3, gt)

		sys.addBlock(ob.base, ob.base, ux.Mul(ob.a).Mul(ux.T()))
		sys.addBlock(ob.base, ob.base+3, Outer(mu, u))
		sys.addBlock(ob.base+3, ob.base, Outer(u, mu))
		sys.addBlock(ob.base+3, ob.base+3, uu.Scale(ob.n))

		gbar[k] = [2]r3.Vec{r3.Scale(1/N, mu), r3.Scale(ob.n/N, u)}
	}

	for k, obK := range obs {
		for l, obL := range obs {
			gk, gl := gbar[k], gbar[l]
			for a := 0; a < 2; a++ {
				for b := 0; b < 2; b++ {
					sys.addBlock(obK.base+3*a, obL.base+3*b, Outer(gk[a], gl[b]).Scale(-N))
				}
			}
		}
	}
}
