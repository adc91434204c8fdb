package conv

import (
	"github.com/born-ml/convplan/brgemm"
	"github.com/born-ml/convplan/nest"
)

// emitOSBlocking builds the output-stationary strategy: the 2D output grid
// is flattened into one position axis of extent os (the adjusted output
// size including cross-row skip elements). Each micro tile is one masked
// batch-reduce call; accSize maps a tile index to the cumulative count of
// valid positions before it, which locates the compacted store position.
func (e *emitter) emitOSBlocking(osMask []uint8, accSize []int, os int) *nest.Plan {
	p, cfg, b := e.p, e.cfg, e.b

	ocBlock, icBlock := cfg.KBlock, cfg.CBlock
	sBlock, imS := cfg.WBlock, cfg.ImWBlock
	imOC, imIC := cfg.ImOCBlock, cfg.ImICBlock
	sT, ocT, icT := cfg.WThreads, cfg.OCThreads, 1

	ocUT, ocNumPT, ocTailPT := BlockSplit(divCeil(p.OC, ocBlock), ocT)
	osUT, sNumPT, sTailPT := BlockSplit(divCeil(os, sBlock), sT)
	icUT, icNumPT, icTailPT := BlockSplit(divCeil(p.IC, icBlock), icT)

	out := e.scratchOutput(icUT)
	lda := p.SW * p.IC
	kp := p.KPack()
	ocSplit := ocSplitFactor(p, cfg, e.m, ocNumPT)
	ocChunk := ocBlock / imOC / ocSplit
	adjOW := p.OW + p.SkipPerRow
	osNumBlock := os / imS

	attrs := &brgemm.Attrs{
		MaxBatch:            p.KH * p.KW * icBlock / imIC,
		HintASize:           imS * icBlock * p.KH * p.KW,
		HintBSize:           imOC * icBlock * p.KH * p.KW,
		HintCSize:           imS * imOC,
		UseInterleaveStores: true,
		UsePersistentKernel: true,
		PosMask:             osMask,
		MaskLevel:           2,
	}

	vOK, vN := e.v(), e.v()
	vPS, vPOC, vPIC := e.v(), e.v(), e.v()
	vOS, vOOC, vOIC := e.v(), e.v(), e.v()
	vIOC, vIS := e.v(), e.v()

	ocIdx := func(env nest.Env) int {
		return env.Get(vPOC)*ocNumPT*ocBlock/imOC + env.Get(vOOC)*ocBlock/imOC +
			env.Get(vOK)*ocChunk + env.Get(vIOC)
	}
	sIdx := func(env nest.Env) int {
		return env.Get(vPS)*sNumPT*sBlock/imS + env.Get(vOS)*sBlock/imS + env.Get(vIS)
	}

	tileRun := func(env nest.Env) error {
		n := env.Get(vN)
		oc := ocIdx(env)
		tile := sIdx(env)
		pos := tile * imS
		h, w := pos/adjOW, pos%adjOW
		nb := icBlock / imIC
		aOff := make([]int, 0, nb*p.KH*p.KW)
		bOff := make([]int, 0, nb*p.KH*p.KW)
		for c := 0; c < nb; c++ {
			ic := env.Get(vPIC)*icNumPT*icBlock/imIC + env.Get(vOIC)*icBlock/imIC + c
			if ic*imIC >= p.IC {
				continue
			}
			for r := 0; r < p.KH; r++ {
				for s := 0; s < p.KW; s++ {
					aOff = append(aOff, p.inOff(n, h*p.SH+r, w*p.SW+s, ic*imIC))
					bOff = append(bOff, e.wgtOff(oc, ic, r, s))
				}
			}
		}
		acc := accSize[tile]
		return b.Kernel.Invoke(&brgemm.Call{
			A: b.Input, B: b.Weight, C: out,
			AOffsets: aOff, BOffsets: bOff,
			COffset: p.outOff(env.Get(vPIC)*p.MB+n, acc/p.OW, acc%p.OW, oc*imOC),
			M:       imS, N: imOC, K: imIC,
			LDA: lda, LDB: imOC, LDC: p.OC, KPack: kp,
			Accumulate: env.Get(vOIC) > 0,
			MaskOffset: pos,
			Attrs:      attrs,
		})
	}

	anchors := b.WantAnchors && icUT == 1 && icNumPT == 1

	tileNodes := []nest.Node{&nest.Compute{Label: "brgemm", Run: tileRun}}
	if anchors && p.OH%osNumBlock == 0 {
		rowsPer := p.OH / osNumBlock
		if e.grows(rowsPer, p.OW, imOC) {
			tileNodes = append(tileNodes, &nest.Anchor{Level: LevelTile, Region: func(env nest.Env) nest.Region {
				return nest.Region{
					Begin: [4]int{env.Get(vN), sIdx(env) * rowsPer, 0, ocIdx(env) * imOC},
					Size:  [4]int{1, rowsPer, p.OW, imOC},
				}
			}})
		}
	}
	lis := &nest.Loop{Label: "i_s", Vars: []nest.Var{vIS}, Extents: []int{sBlock / imS},
		Body: []nest.Node{&nest.If{
			Cond: func(env nest.Env) bool { return sIdx(env)*imS < os },
			Then: tileNodes,
		}}}
	lioc := &nest.Loop{Label: "i_oc", Vars: []nest.Var{vIOC}, Extents: []int{ocChunk},
		Body: []nest.Node{&nest.If{
			Cond: func(env nest.Env) bool { return ocIdx(env)*imOC < p.OC },
			Then: []nest.Node{lis},
		}}}

	tailIf := &nest.If{
		Cond: func(env nest.Env) bool {
			sNum, ocNum, icNum := sNumPT, ocNumPT, icNumPT
			if env.Get(vPS) == osUT-1 {
				sNum = sTailPT
			}
			if env.Get(vPOC) == ocUT-1 {
				ocNum = ocTailPT
			}
			if env.Get(vPIC) == icUT-1 {
				icNum = icTailPT
			}
			return env.Get(vOS) < sNum && env.Get(vOOC) < ocNum && env.Get(vOIC) < icNum
		},
		Then: []nest.Node{lioc},
	}

	loic := &nest.Loop{Label: "o_ic", Vars: []nest.Var{vOIC}, Extents: []int{icNumPT}, Body: []nest.Node{tailIf}}
	looc := &nest.Loop{Label: "o_oc", Vars: []nest.Var{vOOC}, Extents: []int{ocNumPT}, Body: []nest.Node{loic}}
	los := &nest.Loop{Label: "o_s", Vars: []nest.Var{vOS}, Extents: []int{sNumPT}, Body: []nest.Node{looc}}

	guard := &nest.If{
		Cond: func(env nest.Env) bool {
			return env.Get(vPS) < osUT && env.Get(vPOC) < ocUT && env.Get(vPIC) < icUT
		},
		Then: []nest.Node{los},
	}
	picNodes := []nest.Node{guard}
	if b.WantAnchors && sT == 1 && ocT == 1 && icT == 1 &&
		e.grows(p.OH, p.OW, p.OC/ocSplit) {
		picNodes = append(picNodes, &nest.Anchor{Level: LevelImage, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), 0, 0, env.Get(vOK) * (p.OC / ocSplit)},
				Size:  [4]int{1, p.OH, p.OW, p.OC / ocSplit},
			}
		}})
	}
	lpic := &nest.Loop{Label: "p_ic", Vars: []nest.Var{vPIC}, Extents: []int{icT}, Body: picNodes}
	lpoc := &nest.Loop{Label: "p_oc", Vars: []nest.Var{vPOC}, Extents: []int{ocT}, Body: []nest.Node{lpic}}
	lps := &nest.Loop{Label: "p_s", Vars: []nest.Var{vPS}, Extents: []int{sT}, Body: []nest.Node{lpoc}}
	lpbs := &nest.Loop{Label: "p_bs", Vars: []nest.Var{vN}, Extents: []int{p.MB}, Parallel: true, Body: []nest.Node{lps}}
	lok := &nest.Loop{Label: "outer_k", Vars: []nest.Var{vOK}, Extents: []int{ocSplit}, Parallel: true, Body: []nest.Node{lpbs}}

	return &nest.Plan{
		NumVars:    e.nvars,
		Body:       []nest.Node{lok},
		ThreadAxes: []*nest.Loop{lok, lpbs, lps, lpoc, lpic},
	}
}
