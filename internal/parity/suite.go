package parity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-hammerblade/internal/tensor"
)

// SuiteConfig controls the randomness of a suite run.
type SuiteConfig struct {
	Seed     uint64
	Examples int
	Gen      GenConfig
}

func DefaultSuiteConfig() SuiteConfig {
	return SuiteConfig{Seed: 1, Examples: 100, Gen: DefaultGenConfig()}
}

// Case is one named parity check. rng is private to the case.
type Case struct {
	Name string
	Run  func(ctx context.Context, c *Checker, rng *rand.PCG) (examples int, p tensor.Parity, err error)
}

// randnCase checks op on a fresh standard-normal tensor of the given shape.
func randnCase(name string, op UnaryOp, shape ...int) Case {
	return Case{
		Name: name,
		Run: func(ctx context.Context, c *Checker, rng *rand.PCG) (int, tensor.Parity, error) {
			x, err := c.Runtime.Randn(rng, shape...)
			if err != nil {
				return 0, tensor.Parity{}, err
			}
			p, err := c.CheckUnaryTensor(ctx, op, x)
			return 1, p, err
		},
	}
}

// generatedCase checks op on cfg.Examples generated tensors, stopping at the
// first failure. There is no per-example time budget.
func generatedCase(name string, op UnaryOp, cfg SuiteConfig) Case {
	return Case{
		Name: name,
		Run: func(ctx context.Context, c *Checker, rng *rand.PCG) (int, tensor.Parity, error) {
			var worst tensor.Parity
			seed := int(rng.Uint64() >> 1)
			for i, s := range Examples(cfg.Gen, seed, cfg.Examples) {
				if err := ctx.Err(); err != nil {
					return i, worst, err
				}
				p, err := c.CheckUnary(ctx, op, s)
				if err != nil {
					return i + 1, p, fmt.Errorf("example %d (shape %v): %w", i, s.Shape, err)
				}
				if p.MaxAbsError >= worst.MaxAbsError {
					worst = p
				}
			}
			return cfg.Examples, worst, nil
		},
	}
}

// SignCases are the sign checks: two independent 1-D tensors of size 10, a
// 3x4 tensor and generated tensors.
func SignCases(cfg SuiteConfig) []Case {
	return []Case{
		randnCase("sign_1d_a", SignOp, 10),
		randnCase("sign_1d_b", SignOp, 10),
		randnCase("sign_2d", SignOp, 3, 4),
		generatedCase("sign_generated", SignOp, cfg),
	}
}

func mmCase(name string, m, k, n int) Case {
	return Case{
		Name: name,
		Run: func(ctx context.Context, c *Checker, rng *rand.PCG) (int, tensor.Parity, error) {
			a, err := c.Runtime.Randn(rng, m, k)
			if err != nil {
				return 0, tensor.Parity{}, err
			}
			b, err := c.Runtime.Randn(rng, k, n)
			if err != nil {
				return 0, tensor.Parity{}, err
			}
			// Blocked accumulation reorders the sums.
			p, err := c.WithTolerance(tensor.WithRtol(1e-4), tensor.WithAtol(1e-5)).CheckMatMul(ctx, a, b)
			return 1, p, err
		},
	}
}

func indexAddCase(name string, dst, src []int, dim int, alpha float32) Case {
	return Case{
		Name: name,
		Run: func(ctx context.Context, c *Checker, rng *rand.PCG) (int, tensor.Parity, error) {
			d, err := c.Runtime.Randn(rng, dst...)
			if err != nil {
				return 0, tensor.Parity{}, err
			}
			s, err := c.Runtime.Randn(rng, src...)
			if err != nil {
				return 0, tensor.Parity{}, err
			}
			r := rand.New(rng)
			index := make([]int32, src[dim])
			for i := range index {
				index[i] = int32(r.IntN(dst[dim]))
			}
			p, err := c.CheckIndexAdd(ctx, d, dim, index, s, alpha)
			return 1, p, err
		},
	}
}

// KernelCases cover the other accelerator kernels.
func KernelCases() []Case {
	return []Case{
		mmCase("mm_3x4x5", 3, 4, 5),
		mmCase("mm_blocked", 33, 17, 40),
		indexAddCase("index_add_rows", []int{5, 4}, []int{9, 4}, 0, 1),
		indexAddCase("index_add_dim1", []int{3, 6, 2}, []int{3, 11, 2}, 1, 0.5),
	}
}

// DefaultCases is every case the CLI runs.
func DefaultCases(cfg SuiteConfig) []Case {
	return append(SignCases(cfg), KernelCases()...)
}

// Result is the outcome of one case.
type Result struct {
	Case     string        `cbor:"case"`
	Passed   bool          `cbor:"passed"`
	Error    string        `cbor:"error,omitempty"`
	Examples int           `cbor:"examples"`
	Elapsed  time.Duration `cbor:"elapsed_ns"`
	Parity   tensor.Parity `cbor:"parity"`

	mismatch *MismatchError
}

// Mismatch returns the numeric mismatch behind a failed result, if any.
func (r Result) Mismatch() *MismatchError {
	return r.mismatch
}

// Report is the outcome of a suite run.
type Report struct {
	Device  string    `cbor:"device"`
	Seed    uint64    `cbor:"seed"`
	Started time.Time `cbor:"started"`
	Results []Result  `cbor:"results"`
}

// Failed counts failed cases.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if !res.Passed {
			n++
		}
	}
	return n
}

// Run executes cases in order against c. Each case gets its own generator
// stream derived from cfg.Seed, so adding a case does not perturb the others.
func Run(ctx context.Context, c *Checker, cfg SuiteConfig, cases []Case) Report {
	rep := Report{Device: c.Target.String(), Seed: cfg.Seed, Started: time.Now()}

	for i, tc := range cases {
		rng := rand.NewPCG(cfg.Seed, uint64(i))
		start := time.Now()
		examples, p, err := tc.Run(ctx, c, rng)
		res := Result{
			Case:     tc.Name,
			Passed:   err == nil,
			Examples: examples,
			Elapsed:  time.Since(start),
			Parity:   p,
		}
		caseDuration.WithLabelValues(tc.Name).Observe(res.Elapsed.Seconds())

		if err != nil {
			res.Error = err.Error()
			errors.As(err, &res.mismatch)
			caseResults.WithLabelValues(tc.Name, "fail").Inc()
			log.Error().Err(err).Str("case", tc.Name).Str("device", rep.Device).Msg("Parity check failed")
		} else {
			caseResults.WithLabelValues(tc.Name, "pass").Inc()
			log.Info().
				Str("case", tc.Name).
				Int("examples", examples).
				Float64("max_abs_err", p.MaxAbsError).
				Dur("elapsed", res.Elapsed).
				Msg("Parity check passed")
		}
		rep.Results = append(rep.Results, res)
	}
	return rep
}
