package block

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refLSTM is a float64 host reference of two chained cells sharing x.
type refLSTM struct {
	x, w, r, b [][]float64
}

func sigmoid(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

func (p *refLSTM) step(hPrev, cPrev [][]float64) (h, c [][]float64) {
	n, hid := len(p.x), len(p.r)
	h, c = make([][]float64, n), make([][]float64, n)
	for i := 0; i < n; i++ {
		z := make([]float64, 4*hid)
		for j := range z {
			z[j] = p.b[0][j]
			for k := range p.x[i] {
				z[j] += p.x[i][k] * p.w[k][j]
			}
			if hPrev != nil {
				for k := 0; k < hid; k++ {
					z[j] += hPrev[i][k] * p.r[k][j]
				}
			}
		}
		h[i], c[i] = make([]float64, hid), make([]float64, hid)
		for k := 0; k < hid; k++ {
			ig, fg, og, gg := sigmoid(z[k]), sigmoid(z[hid+k]), sigmoid(z[2*hid+k]), math.Tanh(z[3*hid+k])
			c[i][k] = ig * gg
			if cPrev != nil {
				c[i][k] += fg * cPrev[i][k]
			}
			h[i][k] = og * math.Tanh(c[i][k])
		}
	}
	return h, c
}

func (p *refLSTM) forward() (h1, h2 [][]float64) {
	h1, c1 := p.step(nil, nil)
	h2, _ = p.step(h1, c1)
	return h1, h2
}

func (p *refLSTM) loss(dh [][]float32) float64 {
	_, h2 := p.forward()
	var l float64
	for i := range h2 {
		for k := range h2[i] {
			l += float64(dh[i][k]) * h2[i][k]
		}
	}
	return l
}

func (p *refLSTM) numericGrad(m [][]float64, dh [][]float32) [][]float32 {
	const eps = 1e-5
	g := make([][]float32, len(m))
	for i := range m {
		g[i] = make([]float32, len(m[i]))
		for j := range m[i] {
			orig := m[i][j]
			m[i][j] = orig + eps
			up := p.loss(dh)
			m[i][j] = orig - eps
			down := p.loss(dh)
			m[i][j] = orig
			g[i][j] = float32((up - down) / (2 * eps))
		}
	}
	return g
}

func to64(rows [][]float32) [][]float64 {
	out := make([][]float64, len(rows))
	for i := range rows {
		out[i] = make([]float64, len(rows[i]))
		for j, v := range rows[i] {
			out[i][j] = float64(v)
		}
	}
	return out
}

func to32(rows [][]float64) [][]float32 {
	out := make([][]float32, len(rows))
	for i := range rows {
		out[i] = make([]float32, len(rows[i]))
		for j, v := range rows[i] {
			out[i][j] = float32(v)
		}
	}
	return out
}

func pattern(rows, cols int, scale, shift float32) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, cols)
		for j := range out[i] {
			out[i][j] = scale * float32(math.Sin(float64(1+i*cols+j)+float64(shift)))
		}
	}
	return out
}

func TestLSTMCellsGradientCheck(t *testing.T) {
	s := newSession(t)
	const batch, in, hid = 2, 3, 2
	xv := pattern(batch, in, 1, 0)
	wv := pattern(in, 4*hid, 0.5, 1)
	rv := pattern(hid, 4*hid, 0.5, 2)
	bv := pattern(1, 4*hid, 0.1, 3)
	dh := [][]float32{{1, -0.5}, {0.25, 2}}

	x, w, r, b := newParam(t, s, "x", xv), newParam(t, s, "W", wv), newParam(t, s, "R", rv), newParam(t, s, "b", bv)
	params := []*Parameter{x, w, r, b}

	ctx := s.MustContext(0)
	c1, err := NewLSTMCell(s, "lstm.0", ctx, x.Output(), w.Output(), r.Output(), b.Output(), nil, nil)
	require.NoError(t, err)
	c2, err := NewLSTMCell(s, "lstm.1", ctx, x.Output(), w.Output(), r.Output(), b.Output(), c1.C(), c1.H())
	require.NoError(t, err)
	k := newSink(t, s, c2.H())
	for _, p := range []*Parameter{w, r, b} {
		assert.Equal(t, 1, p.Output().Producers(), p.Name())
	}
	assert.Equal(t, 2, x.Output().Producers(), "x keeps one scratch per cell")

	for _, p := range params {
		require.NoError(t, p.Fprop())
	}
	require.NoError(t, c1.Fprop())
	require.NoError(t, c2.Fprop())
	k.contribute(t, dh)
	require.NoError(t, c2.Bprop())
	require.NoError(t, c1.Bprop())
	for _, p := range params {
		require.NoError(t, p.Bprop())
	}
	require.NoError(t, s.Synchronize())

	ref := &refLSTM{x: to64(xv), w: to64(wv), r: to64(rv), b: to64(bv)}
	h1, h2 := ref.forward()
	assertRows(t, to32(h1), c1.H().Forward(), "h1")
	assertRows(t, to32(h2), c2.H().Forward(), "h2")

	for _, tc := range []struct {
		name string
		p    *Parameter
		m    [][]float64
	}{{"x", x, ref.x}, {"W", w, ref.w}, {"R", r, ref.r}, {"b", b, ref.b}} {
		want := ref.numericGrad(tc.m, dh)
		got := rowsOf(t, tc.p.Gradient())
		for i := range want {
			for j := range want[i] {
				assert.InDelta(t, want[i][j], got[i][j], 1e-3, "d%s[%d][%d]", tc.name, i, j)
			}
		}
	}
}

func TestLSTMCellAbsentPreviousStep(t *testing.T) {
	s := newSession(t)
	const batch, in, hid = 2, 3, 2
	xv := pattern(batch, in, 1, 0)
	wv := pattern(in, 4*hid, 0.5, 1)
	rv := pattern(hid, 4*hid, 0.5, 2)
	bv := pattern(1, 4*hid, 0.1, 3)

	x, w, r, b := newParam(t, s, "x", xv), newParam(t, s, "W", wv), newParam(t, s, "R", rv), newParam(t, s, "b", bv)
	params := []*Parameter{x, w, r, b}
	ctx := s.MustContext(0)
	c1, err := NewLSTMCell(s, "lstm.0", ctx, x.Output(), w.Output(), r.Output(), b.Output(), nil, nil)
	require.NoError(t, err)
	c2, err := NewLSTMCell(s, "lstm.1", ctx, x.Output(), w.Output(), r.Output(), b.Output(), c1.C(), c1.H())
	require.NoError(t, err)
	k := newSink(t, s, c2.H())

	for _, p := range params {
		require.NoError(t, p.Fprop())
	}
	require.NoError(t, c1.Skip())
	assert.True(t, c1.H().Absent())
	require.NoError(t, c2.Fprop())
	k.contribute(t, [][]float32{{1, 1}, {1, 1}})
	require.NoError(t, c2.Bprop())
	for _, p := range params {
		require.NoError(t, p.Bprop())
	}
	require.NoError(t, s.Synchronize())

	ref := &refLSTM{x: to64(xv), w: to64(wv), r: to64(rv), b: to64(bv)}
	h, _ := ref.step(nil, nil)
	assertRows(t, to32(h), c2.H().Forward())
	assertRows(t, [][]float32{make([]float32, 4*hid), make([]float32, 4*hid)}, r.Gradient(), "R is unused without a previous step")
}
