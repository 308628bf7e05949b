/*
 * system_test.go, part of gomb.
 *
 * Copyright 2026 Raul Mera <rmera{at}chemDOThelsinkiDOTfi>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU Lesser General Public License as
 * published by the Free Software Foundation; either version 2.1 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU Lesser General
 * Public License along with this program.  If not, see
 * <http://www.gnu.org/licenses/>.
 *
 * Gomb is developed at the laboratory for instruction in Swedish, Department of Chemistry,
 * University of Helsinki, Finland.
 *
 */

package mb

import (
	"errors"
	"math"
	"os"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if os.Getenv("DEBUG_TESTS") == "" {
		log.SetLevel(log.WarnLevel)
	}
	os.Exit(m.Run())
}

var waterLabels = []string{"O", "H", "H"}

// water returns an equilibrium water with its oxygen at o, rotated by
// angle around z.
func water(o [3]float64, angle float64) []float64 {
	const r, theta = 0.9572, 1.824218
	c, s := math.Cos(angle), math.Sin(angle)
	h1 := [3]float64{r, 0, 0}
	h2 := [3]float64{r * math.Cos(theta), r * math.Sin(theta), 0}
	ret := append([]float64(nil), o[:]...)
	for _, h := range [][3]float64{h1, h2} {
		ret = append(ret, o[0]+c*h[0]-s*h[1], o[1]+s*h[0]+c*h[1], o[2]+h[2])
	}
	return ret
}

// cluster4 is four waters and a sodium, all within the 3-body cutoff of some neighbor.
func cluster4(Te *testing.T, cfg Config) *System {
	S, err := NewSystem(nil, cfg)
	require.NoError(Te, err)
	require.NoError(Te, S.AddMonomer(water([3]float64{0, 0, 0}, 0), waterLabels, "h2o"))
	require.NoError(Te, S.AddMonomer([]float64{2, 2, 2.5}, []string{"Na"}, "na"))
	require.NoError(Te, S.AddMonomer(water([3]float64{2.9, 0, 0}, 0.7), waterLabels, "h2o"))
	require.NoError(Te, S.AddMonomer(water([3]float64{0, 2.9, 0.2}, 2.1), waterLabels, "h2o"))
	require.NoError(Te, S.AddMonomer(water([3]float64{0.3, 0.1, 3.0}, -1.2), waterLabels, "h2o"))
	require.NoError(Te, S.Finalize())
	return S
}

func TestComposition(Te *testing.T) {
	S := cluster4(Te, DefaultConfig())
	assert.Equal(Te, 5, S.GetNumMon())
	assert.Equal(Te, 17, S.GetNumSites())
	assert.Equal(Te, 13, S.GetNumRealSites())
	assert.Equal(Te, 4, S.GetFirstInd(1))
	assert.Equal(Te, 5, S.GetFirstInd(2))
	assert.Equal(Te, 3, S.GetFirstRealInd(1))
	assert.Equal(Te, 4, S.GetFirstRealInd(2))
	assert.Equal(Te, "na", S.GetMonId(1))
	assert.Equal(Te, 4, S.GetMonNumAt(0))
	ids, counts := S.GetMonTypeCount()
	assert.Equal(Te, []string{"h2o", "na"}, ids)
	assert.Equal(Te, []int{4, 1}, counts)
	names := S.GetAtomNames()
	assert.Equal(Te, []string{"O", "H", "H", VirtualLabel, "Na"}, names[:5])
	assert.Len(Te, S.GetRealAtomNames(), 13)
	assert.Len(Te, S.GetCharges(), 17)
	assert.Len(Te, S.GetRealCharges(), 13)
	assert.Equal(Te, 1.0, S.GetRealCharges()[3])
	assert.Equal(Te, -1.16, S.GetCharges()[3])
	assert.Len(Te, S.GetPolarizabilities(), 17)
	assert.Len(Te, S.GetRealPolarizabilityFactors(), 13)

	//virtual site from the real ones
	xyz := S.GetXyz()
	mon, _ := S.Database().Monomer("h2o")
	w := mon.Virtual[0].Weights
	for c := 0; c < 3; c++ {
		assert.InDelta(Te, w[0]*xyz[c]+w[1]*xyz[3+c]+w[2]*xyz[6+c], xyz[9+c], 1e-12)
	}
	assert.Equal(Te, water([3]float64{0, 0, 0}, 0), S.GetRealXyz()[:9])

	//internal order keeps the waters together
	in := S.toInternal()
	assert.Equal(Te, xyz[3*S.GetFirstInd(2):3*S.GetFirstInd(2)+12], in[12:24])
	assert.Equal(Te, xyz[12:15], in[48:51])
	back := make([]float64, len(xyz))
	S.fromInternal(back, in)
	assert.Equal(Te, xyz, back)

	pxyz, q, labels := S.ExportPointCharges()
	assert.Equal(Te, xyz, pxyz)
	assert.Equal(Te, S.GetCharges(), q)
	assert.Equal(Te, names, labels)
}

func TestAddMolecule(Te *testing.T) {
	S, err := NewSystem(nil, DefaultConfig())
	require.NoError(Te, err)
	xyz := append(water([3]float64{0, 0, 0}, 0), 3, 0, 0)
	require.NoError(Te, S.AddMolecule(xyz, []string{"O", "H", "H", "Cl"}, []string{"h2o", "cl"}))
	require.NoError(Te, S.Finalize())
	assert.Equal(Te, 2, S.GetNumMon())
	assert.Equal(Te, "cl", S.GetMonId(1))
	S2, _ := NewSystem(nil, DefaultConfig())
	err = S2.AddMolecule(xyz, []string{"O", "H", "H", "Cl"}, []string{"h2o"})
	var ime InvalidMonomerError
	assert.True(Te, errors.As(err, &ime))
}

func TestSingleMonomer(Te *testing.T) {
	S, err := NewSystem(nil, DefaultConfig())
	require.NoError(Te, err)
	x := water([3]float64{1, 2, 3}, 0.3)
	x[3] += 0.05 //stretched bond
	require.NoError(Te, S.AddMonomer(x, waterLabels, "h2o"))
	require.NoError(Te, S.Finalize())
	e1, err := S.OneBodyEnergy(false)
	require.NoError(Te, err)
	assert.Greater(Te, e1, 0.0)
	e, err := S.Energy(true)
	require.NoError(Te, err)
	assert.InDelta(Te, e1, e, 1e-10)
	c := S.Components()
	assert.Equal(Te, 0.0, c.TwoBody)
	assert.Equal(Te, 0.0, c.ThreeBody)
	assert.InDelta(Te, 0.0, c.Electrostatics(), 1e-12)
	assert.True(Te, S.AllMonomersGood())
}

func TestBadMonomer(Te *testing.T) {
	S, err := NewSystem(nil, DefaultConfig())
	require.NoError(Te, err)
	x := water([3]float64{0, 0, 0}, 0)
	x[3] = 3.0
	require.NoError(Te, S.AddMonomer(x, waterLabels, "h2o"))
	require.NoError(Te, S.Finalize())
	e, err := S.OneBodyEnergy(false)
	require.NoError(Te, err)
	assert.Greater(Te, e, BadMonomerEnergy)
	assert.False(Te, S.AllMonomersGood())
}

func TestFarApart(Te *testing.T) {
	S, err := NewSystem(nil, DefaultConfig())
	require.NoError(Te, err)
	require.NoError(Te, S.AddMonomer(water([3]float64{0, 0, 0}, 0), waterLabels, "h2o"))
	require.NoError(Te, S.AddMonomer(water([3]float64{50, 0, 0}, 1), waterLabels, "h2o"))
	require.NoError(Te, S.Finalize())
	e2, err := S.TwoBodyEnergy(true)
	require.NoError(Te, err)
	assert.Equal(Te, 0.0, e2)
	for _, g := range S.GetGrads() {
		assert.Equal(Te, 0.0, g)
	}
	ed, err := S.Dispersion(false)
	require.NoError(Te, err)
	assert.Equal(Te, 0.0, ed)
	list, err := S.GetPairList(2, 9)
	require.NoError(Te, err)
	assert.Empty(Te, list)
	//electrostatics has no cutoff
	ee, err := S.Electrostatics(false)
	require.NoError(Te, err)
	assert.NotEqual(Te, 0.0, ee)
	assert.Less(Te, math.Abs(ee), 0.1)
}

func TestTotalIsSumOfComponents(Te *testing.T) {
	for _, mode := range []string{DimerDispersion, FullDispersion} {
		cfg := DefaultConfig()
		cfg.DispMode = mode
		S := cluster4(Te, cfg)
		e, err := S.Energy(true)
		require.NoError(Te, err)
		c := S.Components()
		assert.InDelta(Te, e, c.Total(), 1e-9)
		assert.NotEqual(Te, 0.0, c.TwoBody)
		assert.NotEqual(Te, 0.0, c.ThreeBody)
		if mode == FullDispersion {
			assert.NotEqual(Te, 0.0, c.Dispersion)
		} else {
			assert.Equal(Te, 0.0, c.Dispersion)
		}
		//each component on its own
		sum := 0.0
		for _, f := range []func(bool, ...bool) (float64, error){S.OneBodyEnergy, S.TwoBodyEnergy, S.ThreeBodyEnergy} {
			ec, err := f(false)
			require.NoError(Te, err)
			sum += ec
		}
		ee, err := S.Electrostatics(false)
		require.NoError(Te, err)
		sum += ee
		if mode == FullDispersion {
			ed, err := S.Dispersion(false)
			require.NoError(Te, err)
			eb, err := S.Buckingham(false)
			require.NoError(Te, err)
			sum += ed + eb
		}
		assert.InDelta(Te, e, sum, 1e-8)
	}
}

func TestTwoBodyAdditivity(Te *testing.T) {
	S := cluster4(Te, DefaultConfig())
	e2, err := S.TwoBodyEnergy(false)
	require.NoError(Te, err)
	list, err := S.GetPairList(2, DefaultConfig().Cutoff2b)
	require.NoError(Te, err)
	assert.Len(Te, list, 2*10)
	var sum float64
	for i := 0; i < len(list); i += 2 {
		D, err := S.Subsystem(list[i:i+2], nil)
		require.NoError(Te, err)
		e, err := D.TwoBodyEnergy(false)
		require.NoError(Te, err)
		sum += e
	}
	assert.InDelta(Te, e2, sum, 1e-9)
}

func TestReuseNeighbors(Te *testing.T) {
	cfg := DefaultConfig()
	S := cluster4(Te, cfg)
	e3, err := S.ThreeBodyEnergy(false)
	require.NoError(Te, err)
	cfg.ReuseNeighbors = true
	cfg.Workers = 1
	R := cluster4(Te, cfg)
	_, err = R.TwoBodyEnergy(false)
	require.NoError(Te, err)
	r3, err := R.ThreeBodyEnergy(false)
	require.NoError(Te, err)
	assert.InDelta(Te, e3, r3, 1e-10)
}

func TestGhostPartition(Te *testing.T) {
	S := cluster4(Te, DefaultConfig())
	e, err := S.ShortRangeEnergy(true)
	require.NoError(Te, err)
	grad := S.GetGrads()
	vir := S.Virial()
	all := []int{0, 1, 2, 3, 4}
	var sum float64
	gsum := make([]float64, len(grad))
	var vsum [9]float64
	for _, local := range [][]bool{{true, false, true, false, false}, {false, true, false, true, true}} {
		sub, err := S.Subsystem(all, local)
		require.NoError(Te, err)
		es, err := sub.ShortRangeEnergy(true, true)
		require.NoError(Te, err)
		sum += es
		for i, g := range sub.GetGrads() {
			gsum[i] += g
		}
		v := sub.Virial()
		for k := range v {
			vsum[k] += v[k]
		}
	}
	assert.InDelta(Te, e, sum, 1e-9)
	assert.InDeltaSlice(Te, grad, gsum, 1e-9)
	assert.InDeltaSlice(Te, vir[:], vsum[:], 1e-9)
}

func TestGradients(Te *testing.T) {
	cfg := DefaultConfig()
	cfg.DipoleTol = 1e-12
	cfg.DipoleMaxIt = 500
	cfg.Workers = 2
	S := cluster4(Te, cfg)
	_, err := S.Energy(true)
	require.NoError(Te, err)
	grad := S.GetRealGrads()
	x0 := S.GetRealXyz()
	const h = 1e-5
	var net [3]float64
	for i := range x0 {
		x := append([]float64(nil), x0...)
		x[i] += h
		require.NoError(Te, S.SetRealXyz(x))
		ep, err := S.Energy(false)
		require.NoError(Te, err)
		x[i] -= 2 * h
		require.NoError(Te, S.SetRealXyz(x))
		em, err := S.Energy(false)
		require.NoError(Te, err)
		fd := (ep - em) / (2 * h)
		assert.InDelta(Te, fd, grad[i], 1e-4*math.Max(1, math.Abs(fd)), "coordinate %d", i)
		net[i%3] += grad[i]
	}
	for _, n := range net {
		assert.InDelta(Te, 0.0, n, 1e-6)
	}
}

func TestPeriodicImages(Te *testing.T) {
	cfg := DefaultConfig()
	cfg.Box = []float64{25, 0, 0, 0, 25, 0, 0, 0, 25}
	cfg.DipoleTol = 1e-12
	cfg.DipoleMaxIt = 500
	S := cluster4(Te, cfg)
	e, err := S.Energy(true)
	require.NoError(Te, err)
	g := S.GetRealGrads()
	//move one water and the sodium by a lattice vector each
	x := S.GetRealXyz()
	for i := 0; i < 3; i++ {
		x[3*i] += 25
	}
	x[3*3+1] -= 25
	require.NoError(Te, S.SetRealXyz(x))
	e2, err := S.Energy(true)
	require.NoError(Te, err)
	assert.InDelta(Te, e, e2, 1e-8)
	assert.InDeltaSlice(Te, g, S.GetRealGrads(), 1e-7)
}

// A trimer connected through its middle monomer, with ends farther apart than
// half the cell width, keeps its geometry.
func TestTrimerInNarrowCell(Te *testing.T) {
	var energies []float64
	for _, box := range [][]float64{nil, {30, 0, 0, 0, 30, 0, 0, 0, 30}, {11, 0, 0, 0, 30, 0, 0, 0, 30}} {
		cfg := DefaultConfig()
		cfg.Cutoff2b = 5.4
		cfg.Cutoff3b = 4.5
		cfg.Box = box
		S, err := NewSystem(nil, cfg)
		require.NoError(Te, err)
		for i, x := range []float64{1, 3.9, 6.8} {
			require.NoError(Te, S.AddMonomer(water([3]float64{x, 5, 5}, 0.4*float64(i)), waterLabels, "h2o"))
		}
		require.NoError(Te, S.Finalize())
		trimers, err := S.FindClusters(3, cfg.Cutoff3b, 0, 3)
		require.NoError(Te, err)
		require.Equal(Te, []int{0, 1, 2}, trimers)
		e, err := S.ThreeBodyEnergy(false)
		require.NoError(Te, err)
		energies = append(energies, e)
	}
	assert.NotEqual(Te, 0.0, energies[0])
	assert.InDelta(Te, energies[0], energies[1], 1e-10)
	assert.InDelta(Te, energies[0], energies[2], 1e-10)
}

func TestSetters(Te *testing.T) {
	S := cluster4(Te, DefaultConfig())
	require.NoError(Te, S.Set2bCutoff(8))
	assert.Equal(Te, 8.0, S.Config().Cutoff2b)
	err := S.Set3bCutoff(-1)
	var ce CutoffConfigurationError
	require.True(Te, errors.As(err, &ce))
	assert.Equal(Te, 4.5, S.Config().Cutoff3b)
	require.NoError(Te, S.SetNMaxEval1b(1))
	require.NoError(Te, S.SetNMaxEval2b(3))
	require.NoError(Te, S.SetNMaxEval3b(2))
	require.NoError(Te, S.SetDipoleTol(1e-10))
	require.NoError(Te, S.SetDipoleMaxIt(200))
	require.NoError(Te, S.SetDipoleMethod("iter"))
	var cfe ConfigurationError
	assert.True(Te, errors.As(S.SetDipoleMethod("newton"), &cfe))
	assert.True(Te, errors.As(S.SetPBC([]float64{1, 2}), &cfe))
	require.NoError(Te, S.SetPBC([]float64{30, 0, 0, 0, 30, 0, 0, 0, 30}))
	assert.NotNil(Te, S.Lattice())
	require.NoError(Te, S.SetPBC(nil))
	assert.Nil(Te, S.Lattice())
	//small batches give the same energies
	e, err := S.Energy(false)
	require.NoError(Te, err)
	D := cluster4(Te, S.Config())
	require.NoError(Te, D.SetNMaxEval2b(1024))
	ed, err := D.Energy(false)
	require.NoError(Te, err)
	assert.InDelta(Te, ed, e, 1e-8)
}

func TestASPCSteps(Te *testing.T) {
	cfg := DefaultConfig()
	cfg.DipoleMethod = "aspc"
	cfg.DipoleTol = 1e-11
	A := cluster4(Te, cfg)
	cfg.DipoleMethod = "cg"
	C := cluster4(Te, cfg)
	x := A.GetRealXyz()
	for step := 0; step < 5; step++ {
		x[0] += 0.01
		require.NoError(Te, A.SetRealXyz(x))
		require.NoError(Te, C.SetRealXyz(x))
		ea, err := A.Electrostatics(false)
		require.NoError(Te, err)
		ec, err := C.Electrostatics(false)
		require.NoError(Te, err)
		assert.InDelta(Te, ec, ea, 1e-7)
	}
	assert.Len(Te, A.GetDipoles(), 3*A.GetNumSites())
	A.ResetDipoleHistory()
}

func TestErrors(Te *testing.T) {
	S, err := NewSystem(nil, DefaultConfig())
	require.NoError(Te, err)
	var ue UninitializedError
	_, err = S.Energy(false)
	assert.True(Te, errors.As(err, &ue))
	assert.True(Te, errors.As(S.Finalize(), &ue))

	var ime InvalidMonomerError
	err = S.AddMonomer([]float64{0, 0, 0}, []string{"Xx"}, "argon")
	require.True(Te, errors.As(err, &ime))
	assert.Equal(Te, "argon", ime.Type)
	assert.True(Te, errors.As(S.AddMonomer([]float64{0, 0, 0}, []string{"Cl"}, "na"), &ime))
	assert.True(Te, errors.As(S.AddMonomer([]float64{0, 0}, []string{"Na"}, "na"), &ime))

	require.NoError(Te, S.AddMonomer([]float64{0, 0, 0}, []string{"Na"}, "na"))
	require.NoError(Te, S.Finalize())
	assert.True(Te, errors.As(S.Finalize(), &ue))
	var uo UnsupportedOperationError
	assert.True(Te, errors.As(S.AddMonomer([]float64{0, 0, 0}, []string{"Na"}, "na"), &uo))
	_, err = S.FindClusters(4, 5, 0, 1)
	assert.True(Te, errors.As(err, &uo))
	var ce ConfigurationError
	assert.True(Te, errors.As(S.SetXyz([]float64{1, 2}), &ce))
	assert.True(Te, errors.As(S.SetRealXyz([]float64{1, 2}), &ce))
	assert.True(Te, errors.As(S.SetLocal([]bool{true, false}), &ce))
	_, err = S.Subsystem([]int{3}, nil)
	assert.True(Te, errors.As(err, &ce))
	var e Error
	require.True(Te, errors.As(err, &e))
	assert.True(Te, e.Critical())

	//the specific setup errors are configuration errors too
	U, err := NewSystem(nil, DefaultConfig())
	require.NoError(Te, err)
	ce = ConfigurationError{}
	require.True(Te, errors.As(U.AddMonomer(nil, nil, "argon"), &ce))
	assert.Contains(Te, ce.Error(), "argon")
	ce = ConfigurationError{}
	assert.True(Te, errors.As(S.Set3bCutoff(-1), &ce))
	var cce CutoffConfigurationError
	assert.True(Te, errors.As(S.Set3bCutoff(-1), &cce))
	assert.False(Te, errors.As(S.SetDipoleMethod("newton"), &cce))

	//using a system before Finalize is an unsupported operation
	uo = UnsupportedOperationError{}
	_, err = U.Energy(false)
	assert.True(Te, errors.As(err, &uo))
	assert.True(Te, errors.As(err, &ue))
	_, err = U.ThreeBodyEnergy(false)
	assert.True(Te, errors.As(err, &uo))
}

func TestDecorations(Te *testing.T) {
	err := errDecorate(errDecorate(newConfigurationError("Validate", "bad %s", "box"), "Configure"), "SetPBC")
	var ce ConfigurationError
	require.True(Te, errors.As(err, &ce))
	assert.Equal(Te, []string{"Validate", "Configure", "SetPBC"}, ce.Decorate(""))
	err = errDecorate(newInvalidMonomerError("AddMonomer", "xe", "unknown type"), "AddMolecule")
	var ime InvalidMonomerError
	require.True(Te, errors.As(err, &ime))
	assert.Equal(Te, []string{"AddMonomer", "AddMolecule"}, ime.Decorate(""))
	assert.Equal(Te, "xe", ime.Type)
	wrapped := errDecorate(errors.New("disk full"), "LoadInputFile")
	assert.EqualError(Te, wrapped, "LoadInputFile: disk full")
	assert.Nil(Te, errDecorate(nil, "Energy"))
}

func TestConvergenceError(Te *testing.T) {
	cfg := DefaultConfig()
	cfg.DipoleMaxIt = 1
	cfg.DipoleTol = 1e-14
	cfg.DipoleMethod = "iter"
	S := cluster4(Te, cfg)
	_, err := S.Energy(false)
	var ce ConvergenceError
	require.True(Te, errors.As(err, &ce))
	assert.False(Te, ce.Critical())
	assert.Equal(Te, 1, ce.Iterations)
}

const inputYAML = `
config:
  cutoff2b: 8
  dipole_method: aspc
monomers:
  - type: h2o
    labels: [O, H, H]
    xyz: [0, 0, 0, 0.9572, 0, 0, -0.24, 0.927, 0]
  - type: na
    labels: [Na]
    xyz: [2.5, 0, 0]
`

func TestLoadInput(Te *testing.T) {
	in, err := LoadInput(strings.NewReader(inputYAML))
	require.NoError(Te, err)
	assert.Equal(Te, 8.0, in.Config.Cutoff2b)
	assert.Equal(Te, 4.5, in.Config.Cutoff3b)
	assert.Equal(Te, "aspc", in.Config.DipoleMethod)
	S, err := in.System(nil)
	require.NoError(Te, err)
	assert.Equal(Te, 2, S.GetNumMon())
	_, err = S.Energy(true)
	require.NoError(Te, err)

	_, err = LoadInput(strings.NewReader("config:\n  cutof2b: 8\n"))
	assert.Error(Te, err)
	_, err = LoadInput(strings.NewReader("config:\n  cutoff2b: -8\n"))
	var ce CutoffConfigurationError
	assert.True(Te, errors.As(err, &ce))
	in, err = LoadInput(strings.NewReader(""))
	require.NoError(Te, err)
	assert.Equal(Te, DefaultConfig(), in.Config)
	_, err = in.System(nil)
	var ue UninitializedError
	assert.True(Te, errors.As(err, &ue))
}

func TestLoadConfig(Te *testing.T) {
	c, err := LoadConfig(strings.NewReader("cutoff3b: 5\nreuse_neighbors: true\nbox: [20, 0, 0, 0, 20, 0, 0, 0, 20]\n"))
	require.NoError(Te, err)
	assert.Equal(Te, 5.0, c.Cutoff3b)
	lat, err := c.Lattice()
	require.NoError(Te, err)
	assert.InDelta(Te, 8000.0, lat.Volume(), 1e-9)
	_, err = LoadConfig(strings.NewReader("cutoff3b: 10\nreuse_neighbors: true\n"))
	var ce CutoffConfigurationError
	assert.True(Te, errors.As(err, &ce))
	_, err = LoadConfig(strings.NewReader("disp_alpha: 0.3\n"))
	var cfe ConfigurationError
	assert.True(Te, errors.As(err, &cfe))
	_, err = LoadConfig(strings.NewReader("disp_mode: full\ndisp_alpha: 0.3\nbox: [20, 0, 0, 0, 20, 0, 0, 0, 20]\n"))
	assert.NoError(Te, err)
}
