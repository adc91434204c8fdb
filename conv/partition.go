package conv

// BlockSplit divides total blocks among a thread axis. It returns the
// number of threads that receive work, the block count given to each of
// them, and the (possibly smaller) count given to the last active thread.
// Threads with an index at or past used receive nothing; emitters guard
// them out before any work is attempted.
func BlockSplit(total, threads int) (used, perThread, tail int) {
	if total <= 0 {
		panic("conv: BlockSplit with no blocks")
	}
	if threads < 1 {
		threads = 1
	}
	used = threads
	if total < threads {
		used = total
	}
	perThread = divCeil(total, used)
	// Rounding the share up can leave trailing threads with nothing;
	// shrink the active count so the tail stays positive.
	used = divCeil(total, perThread)
	tail = total - perThread*(used-1)
	return used, perThread, tail
}
