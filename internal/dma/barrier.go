//go:build linux && cgo

package dma

/*
#include <stdint.h>

// x86-64 store fence: ensures all prior stores are globally visible before
// any subsequent store. Used before toggling RUN/WAKE on a context a
// descriptor write must precede.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 full fence: ensures all prior memory operations complete before
// any subsequent one. Used before reading descriptor status hardware may
// still be writing.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// releaseFence issues a store fence so every prior write to the DMA slab
// is visible to the device before a subsequent RUN/WAKE register write.
func releaseFence() {
	C.sfence_impl()
}

// acquireFence issues a full fence before reading memory the device may be
// writing (descriptor status words, AR buffer contents).
func acquireFence() {
	C.mfence_impl()
}
