package conv

import (
	"github.com/born-ml/convplan/brgemm"
	"github.com/born-ml/convplan/nest"
)

// emitNoPadding builds the general-kernel strategy: height/width blocking,
// one batch-reduce call per output row of a micro tile, with one A/B list
// entry per (input-channel micro block, kernel row, kernel column). The
// convolution is a sum of shifted matrix multiplies over those entries.
func (e *emitter) emitNoPadding() *nest.Plan {
	p, cfg, b := e.p, e.cfg, e.b

	ocBlock, icBlock := cfg.KBlock, cfg.CBlock
	hBlock, wBlock := cfg.HBlock, cfg.WBlock
	imOC, imIC := cfg.ImOCBlock, cfg.ImICBlock
	imH, imW := cfg.ImHBlock, cfg.ImWBlock
	hT, wT, ocT, icT := cfg.HThreads, cfg.WThreads, cfg.OCThreads, 1

	ocUT, ocNumPT, ocTailPT := BlockSplit(divCeil(p.OC, ocBlock), ocT)
	ohUT, hNumPT, hTailPT := BlockSplit(divCeil(p.OH, hBlock), hT)
	owUT, wNumPT, wTailPT := BlockSplit(divCeil(p.OW, wBlock), wT)
	icUT, icNumPT, icTailPT := BlockSplit(divCeil(p.IC, icBlock), icT)

	out := e.scratchOutput(icUT)
	lda := p.SW * p.IC
	kp := p.KPack()
	ocSplit := ocSplitFactor(p, cfg, e.m, ocNumPT)
	ocChunk := ocBlock / imOC / ocSplit

	attrs := &brgemm.Attrs{
		MaxBatch:            p.KH * p.KW * icBlock / imIC,
		HintASize:           imW * icBlock * p.KH * p.KW,
		HintBSize:           imOC * icBlock * p.KH * p.KW,
		HintCSize:           imW * imOC,
		UseInterleaveStores: true,
		UsePersistentKernel: true,
	}

	vOK, vN := e.v(), e.v()
	vPH, vPW, vPOC, vPIC := e.v(), e.v(), e.v(), e.v()
	vOH, vOW, vOOC, vOIC := e.v(), e.v(), e.v(), e.v()
	vIH, vIW, vIOC, vIMH := e.v(), e.v(), e.v(), e.v()

	ocIdx := func(env nest.Env) int {
		return env.Get(vPOC)*ocNumPT*ocBlock/imOC + env.Get(vOOC)*ocBlock/imOC +
			env.Get(vOK)*ocChunk + env.Get(vIOC)
	}
	anchC := func(env nest.Env) int {
		return env.Get(vPOC)*ocNumPT*ocBlock/imOC + env.Get(vOOC)*ocBlock/imOC +
			env.Get(vOK)*ocChunk
	}
	hBase := func(env nest.Env) int {
		return (env.Get(vPH)*hNumPT*hBlock/imH + env.Get(vOH)*hBlock/imH + env.Get(vIH)) * imH
	}
	hThreadBase := func(env nest.Env) int {
		return (env.Get(vPH)*hNumPT*hBlock/imH + env.Get(vOH)*hBlock/imH) * imH
	}
	wIdx := func(env nest.Env) int {
		return (env.Get(vPW)*wNumPT*wBlock/imW + env.Get(vOW)*wBlock/imW + env.Get(vIW)) * imW
	}
	wThreadBase := func(env nest.Env) int {
		return (env.Get(vPW)*wNumPT*wBlock/imW + env.Get(vOW)*wBlock/imW) * imW
	}

	rowRun := func(env nest.Env) error {
		n := env.Get(vN)
		oc := ocIdx(env)
		row := hBase(env) + env.Get(vIMH)
		w := wIdx(env)
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
					aOff = append(aOff, p.inOff(n, row*p.SH+r, w*p.SW+s, ic*imIC))
					bOff = append(bOff, e.wgtOff(oc, ic, r, s))
				}
			}
		}
		return b.Kernel.Invoke(&brgemm.Call{
			A: b.Input, B: b.Weight, C: out,
			AOffsets: aOff, BOffsets: bOff,
			COffset: p.outOff(env.Get(vPIC)*p.MB+n, row, w, oc*imOC),
			M:       imW, N: imOC, K: imIC,
			LDA: lda, LDB: imOC, LDC: p.OC, KPack: kp,
			Accumulate: env.Get(vOIC) > 0,
			Attrs:      attrs,
		})
	}

	anchors := b.WantAnchors && icUT == 1 && icNumPT == 1

	rowNodes := []nest.Node{&nest.Compute{Label: "brgemm", Run: rowRun}}
	if anchors && e.grows(1, imW, imOC) {
		rowNodes = append(rowNodes, &nest.Anchor{Level: LevelRow, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hBase(env) + env.Get(vIMH), wIdx(env), ocIdx(env) * imOC},
				Size:  [4]int{1, 1, imW, imOC},
			}
		}})
	}
	rowLoop := &nest.Loop{Label: "im_h", Vars: []nest.Var{vIMH}, Extents: []int{imH},
		Body: []nest.Node{&nest.If{
			Cond: func(env nest.Env) bool { return hBase(env)+env.Get(vIMH) < p.OH },
			Then: rowNodes,
		}}}

	tileNodes := []nest.Node{rowLoop}
	if anchors && e.grows(imH, imW, imOC) {
		tileNodes = append(tileNodes, &nest.Anchor{Level: LevelTile, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hBase(env), wIdx(env), ocIdx(env) * imOC},
				Size:  [4]int{1, imH, imW, imOC},
			}
		}})
	}
	lioc := &nest.Loop{Label: "i_oc", Vars: []nest.Var{vIOC}, Extents: []int{ocChunk},
		Body: []nest.Node{&nest.If{
			Cond: func(env nest.Env) bool { return ocIdx(env)*imOC < p.OC },
			Then: tileNodes,
		}}}

	wNodes := []nest.Node{lioc}
	if anchors && ocBlock*ocUT == p.OC && e.grows(imH, imW, ocBlock/ocSplit) {
		wNodes = append(wNodes, &nest.Anchor{Level: LevelOCBlock, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hBase(env), wIdx(env), anchC(env) * imOC},
				Size:  [4]int{1, imH, imW, ocBlock / ocSplit},
			}
		}})
	}
	liw := &nest.Loop{Label: "i_w", Vars: []nest.Var{vIW}, Extents: []int{wBlock / imW},
		Body: []nest.Node{&nest.If{
			Cond: func(env nest.Env) bool { return wIdx(env) < p.OW },
			Then: wNodes,
		}}}

	hNodes := []nest.Node{liw}
	if anchors && ocBlock*ocUT == p.OC && wBlock*owUT == p.OW &&
		e.grows(imH, wBlock, ocBlock/ocSplit) {
		hNodes = append(hNodes, &nest.Anchor{Level: LevelWidth, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hBase(env), wThreadBase(env), anchC(env) * imOC},
				Size:  [4]int{1, imH, wBlock, ocBlock / ocSplit},
			}
		}})
	}
	lih := &nest.Loop{Label: "i_h", Vars: []nest.Var{vIH}, Extents: []int{hBlock / imH},
		Body: []nest.Node{&nest.If{
			Cond: func(env nest.Env) bool { return hBase(env) < p.OH },
			Then: hNodes,
		}}}

	blockNodes := []nest.Node{lih}
	if anchors && ocBlock*ocUT == p.OC && wBlock*owUT == p.OW && hBlock*ohUT == p.OH &&
		e.grows(hBlock, wBlock, ocBlock/ocSplit) {
		blockNodes = append(blockNodes, &nest.Anchor{Level: LevelHeight, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hThreadBase(env), wThreadBase(env), anchC(env) * imOC},
				Size:  [4]int{1, hBlock, wBlock, ocBlock / ocSplit},
			}
		}})
	}
	tailIf := &nest.If{
		Cond: tailCond(vPH, vPW, vPOC, vPIC, vOH, vOW, vOOC, vOIC,
			ohUT, owUT, ocUT, icUT,
			hNumPT, hTailPT, wNumPT, wTailPT, ocNumPT, ocTailPT, icNumPT, icTailPT),
		Then: blockNodes,
	}

	loic := &nest.Loop{Label: "o_ic", Vars: []nest.Var{vOIC}, Extents: []int{icNumPT}, Body: []nest.Node{tailIf}}
	looc := &nest.Loop{Label: "o_oc", Vars: []nest.Var{vOOC}, Extents: []int{ocNumPT}, Body: []nest.Node{loic}}
	low := &nest.Loop{Label: "o_w", Vars: []nest.Var{vOW}, Extents: []int{wNumPT}, Body: []nest.Node{looc}}
	loh := &nest.Loop{Label: "o_h", Vars: []nest.Var{vOH}, Extents: []int{hNumPT}, Body: []nest.Node{low}}

	guard := &nest.If{
		Cond: func(env nest.Env) bool {
			return env.Get(vPH) < ohUT && env.Get(vPW) < owUT &&
				env.Get(vPOC) < ocUT && env.Get(vPIC) < icUT
		},
		Then: []nest.Node{loh},
	}
	picNodes := []nest.Node{guard}
	if b.WantAnchors && hT == 1 && wT == 1 && ocT == 1 && icT == 1 &&
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
	lpw := &nest.Loop{Label: "p_w", Vars: []nest.Var{vPW}, Extents: []int{wT}, Body: []nest.Node{lpoc}}
	lph := &nest.Loop{Label: "p_h", Vars: []nest.Var{vPH}, Extents: []int{hT}, Body: []nest.Node{lpw}}
	lpbs := &nest.Loop{Label: "p_bs", Vars: []nest.Var{vN}, Extents: []int{p.MB}, Parallel: true, Body: []nest.Node{lph}}
	lok := &nest.Loop{Label: "outer_k", Vars: []nest.Var{vOK}, Extents: []int{ocSplit}, Parallel: true, Body: []nest.Node{lpbs}}

	return &nest.Plan{
		NumVars:    e.nvars,
		Body:       []nest.Node{lok},
		ThreadAxes: []*nest.Loop{lok, lpbs, lph, lpw, lpoc, lpic},
	}
}
