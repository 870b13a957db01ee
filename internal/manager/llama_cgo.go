//go:build llama

package manager

// cgo link directives for the in-process llama engine.
// - An rpath of $ORIGIN lets the runtime loader find libllama.so next to
//   the built binary (./bin).
// - -L${SRCDIR}/../../bin lets the linker find libllama.so at link time.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
