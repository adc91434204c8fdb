package conv

import (
	"github.com/born-ml/convplan/brgemm"
	"github.com/born-ml/convplan/nest"
	"github.com/born-ml/convplan/tensor"
)

// emit1x1PackInput builds the 1x1 strategy with an optional
// stride-eliminating repack pre-pass. With unit strides the pre-pass is
// skipped and the kernels read the input in place; either way each micro
// tile is one batch-reduce call of M = im_h*im_w rows with one A/B entry
// per input-channel micro block.
func (e *emitter) emit1x1PackInput() *nest.Plan {
	p, cfg, b := e.p, e.cfg, e.b

	var body []nest.Node
	src := b.Input
	srcOff := p.inOff
	if cfg.PackInput && (p.SH > 1 || p.SW > 1) {
		packed, err := tensor.NewRaw(tensor.Shape{p.MB, p.OH, p.OW, p.IC}, p.SrcType)
		if err != nil {
			panic(err)
		}
		body = append(body, e.packInputPass(packed))
		src = packed
		srcOff = func(n, y, x, c int) int { return ((n*p.OH+y)*p.OW+x)*p.IC + c }
	}

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
	kp := p.KPack()
	attrs := &brgemm.Attrs{
		MaxBatch:            icBlock / imIC,
		HintASize:           imH * imW * icBlock,
		HintBSize:           imOC * icBlock,
		HintCSize:           imH * imW * imOC,
		UseInterleaveStores: true,
		UsePersistentKernel: true,
	}

	vN := e.v()
	vPH, vPW, vPOC, vPIC := e.v(), e.v(), e.v(), e.v()
	vOH, vOW, vOOC, vOIC := e.v(), e.v(), e.v(), e.v()
	vIH, vIW, vIOC := e.v(), e.v(), e.v()

	ocIdx := func(env nest.Env) int {
		return env.Get(vPOC)*ocNumPT*ocBlock/imOC + env.Get(vOOC)*ocBlock/imOC + env.Get(vIOC)
	}
	anchC := func(env nest.Env) int {
		return env.Get(vPOC)*ocNumPT*ocBlock/imOC + env.Get(vOOC)*ocBlock/imOC
	}
	hIdx := func(env nest.Env) int {
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

	tileRun := func(env nest.Env) error {
		n := env.Get(vN)
		oc := ocIdx(env)
		h, w := hIdx(env), wIdx(env)
		nb := icBlock / imIC
		aOff := make([]int, 0, nb)
		bOff := make([]int, 0, nb)
		for c := 0; c < nb; c++ {
			ic := env.Get(vPIC)*icNumPT*icBlock/imIC + env.Get(vOIC)*icBlock/imIC + c
			if ic*imIC >= p.IC {
				continue
			}
			aOff = append(aOff, srcOff(n, h, w, ic*imIC))
			bOff = append(bOff, e.wgtOff(oc, ic, 0, 0))
		}
		return b.Kernel.Invoke(&brgemm.Call{
			A: src, B: b.Weight, C: out,
			AOffsets: aOff, BOffsets: bOff,
			COffset: p.outOff(env.Get(vPIC)*p.MB+n, h, w, oc*imOC),
			M:       imH * imW, N: imOC, K: imIC,
			LDA: p.IC, LDB: imOC, LDC: p.OC, KPack: kp,
			Accumulate: env.Get(vOIC) > 0,
			Attrs:      attrs,
		})
	}

	anchors := b.WantAnchors && icUT == 1 && icNumPT == 1

	tileNodes := []nest.Node{&nest.Compute{Label: "brgemm", Run: tileRun}}
	if anchors && e.grows(imH, imW, imOC) {
		tileNodes = append(tileNodes, &nest.Anchor{Level: LevelTile, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hIdx(env), wIdx(env), ocIdx(env) * imOC},
				Size:  [4]int{1, imH, imW, imOC},
			}
		}})
	}
	lioc := &nest.Loop{Label: "i_oc", Vars: []nest.Var{vIOC}, Extents: []int{ocBlock / imOC},
		Body: []nest.Node{&nest.If{
			Cond: func(env nest.Env) bool { return ocIdx(env)*imOC < p.OC },
			Then: tileNodes,
		}}}

	wNodes := []nest.Node{lioc}
	if anchors && ocBlock*ocUT == p.OC && e.grows(imH, imW, ocBlock) {
		wNodes = append(wNodes, &nest.Anchor{Level: LevelOCBlock, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hIdx(env), wIdx(env), anchC(env) * imOC},
				Size:  [4]int{1, imH, imW, ocBlock},
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
		e.grows(imH, wBlock, ocBlock) {
		hNodes = append(hNodes, &nest.Anchor{Level: LevelWidth, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hIdx(env), wThreadBase(env), anchC(env) * imOC},
				Size:  [4]int{1, imH, wBlock, ocBlock},
			}
		}})
	}
	lih := &nest.Loop{Label: "i_h", Vars: []nest.Var{vIH}, Extents: []int{hBlock / imH},
		Body: []nest.Node{&nest.If{
			Cond: func(env nest.Env) bool { return hIdx(env) < p.OH },
			Then: hNodes,
		}}}

	blockNodes := []nest.Node{lih}
	if anchors && ocBlock*ocUT == p.OC && wBlock*owUT == p.OW && hBlock*ohUT == p.OH &&
		e.grows(hBlock, wBlock, ocBlock) {
		blockNodes = append(blockNodes, &nest.Anchor{Level: LevelHeight, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hThreadBase(env), wThreadBase(env), anchC(env) * imOC},
				Size:  [4]int{1, hBlock, wBlock, ocBlock},
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
		e.grows(p.OH, p.OW, p.OC) {
		picNodes = append(picNodes, &nest.Anchor{Level: LevelImage, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), 0, 0, 0},
				Size:  [4]int{1, p.OH, p.OW, p.OC},
			}
		}})
	}
	lpic := &nest.Loop{Label: "p_ic", Vars: []nest.Var{vPIC}, Extents: []int{icT}, Body: picNodes}
	lpoc := &nest.Loop{Label: "p_oc", Vars: []nest.Var{vPOC}, Extents: []int{ocT}, Body: []nest.Node{lpic}}
	lpw := &nest.Loop{Label: "p_w", Vars: []nest.Var{vPW}, Extents: []int{wT}, Body: []nest.Node{lpoc}}
	lph := &nest.Loop{Label: "p_h", Vars: []nest.Var{vPH}, Extents: []int{hT}, Body: []nest.Node{lpw}}
	lpbs := &nest.Loop{Label: "p_bs", Vars: []nest.Var{vN}, Extents: []int{p.MB}, Parallel: true, Body: []nest.Node{lph}}

	body = append(body, lpbs)
	return &nest.Plan{
		NumVars:    e.nvars,
		Body:       body,
		ThreadAxes: []*nest.Loop{lpbs, lph, lpw, lpoc, lpic},
	}
}

// packInputPass builds the parallel copy pass that rewrites the strided
// input into a dense scratch tensor, one (batch, output row) pair per
// iteration.
func (e *emitter) packInputPass(packed *tensor.RawTensor) nest.Node {
	p := e.p
	es := p.SrcType.Size()
	src := e.b.Input.Data()
	dst := packed.Data()
	vn, vp := e.v(), e.v()
	return &nest.Loop{
		Label: "pack_input", Vars: []nest.Var{vn, vp}, Extents: []int{p.MB, p.OH},
		Parallel: true,
		Body: []nest.Node{&nest.Compute{Label: "pack_row", Run: func(env nest.Env) error {
			n, row := env.Get(vn), env.Get(vp)
			for q := 0; q < p.OW; q++ {
				sOff := p.inOff(n, row*p.SH, q*p.SW, 0) * es
				dOff := (((n*p.OH+row)*p.OW + q) * p.IC) * es
				copy(dst[dOff:dOff+p.IC*es], src[sOff:sOff+p.IC*es])
			}
			return nil
		}}},
	}
}

// emit1x1NoPackInput builds the 1x1 strategy that reads the strided input
// in place: one batch-reduce call per output row with LDA covering the
// stride, rows of a micro tile iterated sequentially.
func (e *emitter) emit1x1NoPackInput() *nest.Plan {
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
	attrs := &brgemm.Attrs{
		MaxBatch:            icBlock / imIC,
		HintASize:           imW * icBlock,
		HintBSize:           imOC * icBlock,
		HintCSize:           imW * imOC,
		UseInterleaveStores: true,
		UsePersistentKernel: true,
	}

	vN := e.v()
	vPH, vPW, vPOC, vPIC := e.v(), e.v(), e.v(), e.v()
	vOH, vOW, vOOC, vOIC := e.v(), e.v(), e.v(), e.v()
	vIH, vIW, vIOC, vIMH := e.v(), e.v(), e.v(), e.v()

	ocIdx := func(env nest.Env) int {
		return env.Get(vPOC)*ocNumPT*ocBlock/imOC + env.Get(vOOC)*ocBlock/imOC + env.Get(vIOC)
	}
	anchC := func(env nest.Env) int {
		return env.Get(vPOC)*ocNumPT*ocBlock/imOC + env.Get(vOOC)*ocBlock/imOC
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
		aOff := make([]int, 0, nb)
		bOff := make([]int, 0, nb)
		for c := 0; c < nb; c++ {
			ic := env.Get(vPIC)*icNumPT*icBlock/imIC + env.Get(vOIC)*icBlock/imIC + c
			if ic*imIC >= p.IC {
				continue
			}
			aOff = append(aOff, p.inOff(n, row*p.SH, w*p.SW, ic*imIC))
			bOff = append(bOff, e.wgtOff(oc, ic, 0, 0))
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
	lioc := &nest.Loop{Label: "i_oc", Vars: []nest.Var{vIOC}, Extents: []int{ocBlock / imOC},
		Body: []nest.Node{&nest.If{
			Cond: func(env nest.Env) bool { return ocIdx(env)*imOC < p.OC },
			Then: tileNodes,
		}}}

	wNodes := []nest.Node{lioc}
	if anchors && ocBlock*ocUT == p.OC && e.grows(imH, imW, ocBlock) {
		wNodes = append(wNodes, &nest.Anchor{Level: LevelOCBlock, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hBase(env), wIdx(env), anchC(env) * imOC},
				Size:  [4]int{1, imH, imW, ocBlock},
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
		e.grows(imH, wBlock, ocBlock) {
		hNodes = append(hNodes, &nest.Anchor{Level: LevelWidth, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hBase(env), wThreadBase(env), anchC(env) * imOC},
				Size:  [4]int{1, imH, wBlock, ocBlock},
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
		e.grows(hBlock, wBlock, ocBlock) {
		blockNodes = append(blockNodes, &nest.Anchor{Level: LevelHeight, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), hThreadBase(env), wThreadBase(env), anchC(env) * imOC},
				Size:  [4]int{1, hBlock, wBlock, ocBlock},
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
		e.grows(p.OH, p.OW, p.OC) {
		picNodes = append(picNodes, &nest.Anchor{Level: LevelImage, Region: func(env nest.Env) nest.Region {
			return nest.Region{
				Begin: [4]int{env.Get(vN), 0, 0, 0},
				Size:  [4]int{1, p.OH, p.OW, p.OC},
			}
		}})
	}
	lpic := &nest.Loop{Label: "p_ic", Vars: []nest.Var{vPIC}, Extents: []int{icT}, Body: picNodes}
	lpoc := &nest.Loop{Label: "p_oc", Vars: []nest.Var{vPOC}, Extents: []int{ocT}, Body: []nest.Node{lpic}}
	lpw := &nest.Loop{Label: "p_w", Vars: []nest.Var{vPW}, Extents: []int{wT}, Body: []nest.Node{lpoc}}
	lph := &nest.Loop{Label: "p_h", Vars: []nest.Var{vPH}, Extents: []int{hT}, Body: []nest.Node{lpw}}
	lpbs := &nest.Loop{Label: "p_bs", Vars: []nest.Var{vN}, Extents: []int{p.MB}, Parallel: true, Body: []nest.Node{lph}}

	return &nest.Plan{
		NumVars:    e.nvars,
		Body:       []nest.Node{lpbs},
		ThreadAxes: []*nest.Loop{lpbs, lph, lpw, lpoc, lpic},
	}
}

// tailCond selects each thread's chunk count, tail for the last active
// thread, and guards the per-thread chunk loops against it.
func tailCond(vPH, vPW, vPOC, vPIC, vOH, vOW, vOOC, vOIC nest.Var,
	ohUT, owUT, ocUT, icUT,
	hNumPT, hTailPT, wNumPT, wTailPT, ocNumPT, ocTailPT, icNumPT, icTailPT int) func(nest.Env) bool {
	return func(env nest.Env) bool {
		hNum, wNum, ocNum, icNum := hNumPT, wNumPT, ocNumPT, icNumPT
		if env.Get(vPH) == ohUT-1 {
			hNum = hTailPT
		}
		if env.Get(vPW) == owUT-1 {
			wNum = wTailPT
		}
		if env.Get(vPOC) == ocUT-1 {
			ocNum = ocTailPT
		}
		if env.Get(vPIC) == icUT-1 {
			icNum = icTailPT
		}
		return env.Get(vOH) < hNum && env.Get(vOW) < wNum &&
			env.Get(vOOC) < ocNum && env.Get(vOIC) < icNum
	}
}
