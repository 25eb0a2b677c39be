package store

import "crypto/rand"

// secureWipe overwrites buf in place following spec.md §4.1's pattern: an
// all-zero pass, an all-ones pass, then random-byte passes until passes is
// reached. The final pass is always a fresh cryptographically random fill so
// that a later memory inspection sees bytes indistinguishable from random.
//
// This is best-effort on a managed, garbage-collected runtime: the Go
// allocator and GC may have relocated or retained copies of buf that this
// function cannot reach. No promise of cryptographic erasure is made; see
// spec.md §9 and DESIGN.md.
func secureWipe(buf []byte, passes int) {
	if len(buf) == 0 {
		return
	}
	if passes < 1 {
		passes = 1
	}

	fill := func(b byte) {
		for i := range buf {
			buf[i] = b
		}
	}

	step := 0
	if step < passes {
		fill(0x00)
		step++
	}
	if step < passes {
		fill(0xFF)
		step++
	}
	for step < passes {
		_, _ = rand.Read(buf)
		step++
	}
	// One more random fill always follows, so the last write is random even
	// when passes <= 2 and the loop above never ran; for passes >= 3 this
	// makes passes+1 writes in total.
	_, _ = rand.Read(buf)
}
