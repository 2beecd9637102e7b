package debugger

import (
	"os"
	"os/signal"
	"sync"
)

// A process-wide registry of live debuggers. The interrupt handler does
// nothing but set trap mode on each registered container; the VM observes
// the flag on its next fetch. The mutex guards registry mutation against the
// delivery goroutine.
var (
	sigMu      sync.Mutex
	sigTargets = make(map[*MiniDebugger]struct{})
	sigOnce    sync.Once
)

func registerInterrupt(d *MiniDebugger) {
	sigMu.Lock()
	sigTargets[d] = struct{}{}
	sigMu.Unlock()

	sigOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		go func() {
			for range ch {
				sigMu.Lock()
				for d := range sigTargets {
					d.vm.Cont().SetTrapMode(true)
				}
				sigMu.Unlock()
			}
		}()
	})
}

func unregisterInterrupt(d *MiniDebugger) {
	sigMu.Lock()
	delete(sigTargets, d)
	sigMu.Unlock()
}
