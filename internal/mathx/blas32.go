package mathx

import (
	"gonum.org/v1/gonum/blas"
	b32 "gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"
)

// GemmNT computes C = alpha*A*B^T + beta*C for row-major float32 matrices.
// A is (ar x ac), B is (br x bc) where ac==bc. C is (ar x br).
func GemmNT(alpha float32, A []float32, ar, ac int, B []float32, br, bc int, beta float32, C []float32) {
	a := b32.General{Rows: ar, Cols: ac, Data: A, Stride: ac}
	b := b32.General{Rows: br, Cols: bc, Data: B, Stride: bc}
	c := b32.General{Rows: ar, Cols: br, Data: C, Stride: br}
	b32.Gemm(blas.NoTrans, blas.Trans, alpha, a, b, beta, c)
}

// PairNorms returns the Euclidean norm of every consecutive (even, odd) pair in x.
func PairNorms(x []float64) []float64 {
	out := make([]float64, len(x)/2)
	for i := range out {
		out[i] = floats.Norm(x[2*i:2*i+2], 2)
	}
	return out
}
