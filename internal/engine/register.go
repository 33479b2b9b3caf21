package engine

import "github.com/altp2m/guestrace/internal/osadapter"

// SymbolCallback is an alias of osadapter.SymbolCallback: the §4.6 batch
// form's (name, call callback, return callback, user datum) tuple.
// AttachAll takes a slice and also stops at the first entry with an empty
// Name, the way the original's null-terminated array ended.
type SymbolCallback = osadapter.SymbolCallback

// Attach implements §4.6: pause the guest, resolve symbol to a kernel
// virtual address, install the breakpoint, and resume. It reports false
// (rather than an error) for TranslationError, matching §7's "log and
// skip that breakpoint registration" policy; other error kinds still
// propagate.
func (e *EngineState) Attach(symbol string, callCB CallCallback, returnCB ReturnCallback, userData any) (bool, error) {
	if err := e.vmi.Pause(); err != nil {
		return false, wrapErr(ConfigurationError, err, "pause guest for attach")
	}
	defer func() {
		if err := e.vmi.Resume(); err != nil {
			e.log.Printf("failed to resume guest after attach %q: %v", symbol, err)
		}
	}()

	kva, err := e.vmi.TranslateKSym2V(symbol)
	if err != nil {
		e.log.Printf("translation error: symbol %q: %v", symbol, err)
		return false, nil
	}

	bp, err := e.installBreakpoint(kva, callCB, returnCB, userData)
	if err != nil {
		if Is(err, TranslationError) {
			e.log.Printf("translation error: %v", err)
			return false, nil
		}
		return false, err
	}
	e.symbols[symbol] = bp
	return true, nil
}

// Detach removes a previously attached symbol's breakpoint, restoring the
// original byte; if that was the last breakpoint on its page, the page
// record itself is torn down. It reports false if symbol was never
// successfully attached.
func (e *EngineState) Detach(symbol string) (bool, error) {
	bp, ok := e.symbols[symbol]
	if !ok {
		return false, nil
	}

	if err := e.vmi.Pause(); err != nil {
		return false, wrapErr(ConfigurationError, err, "pause guest for detach")
	}
	defer func() {
		if err := e.vmi.Resume(); err != nil {
			e.log.Printf("failed to resume guest after detach %q: %v", symbol, err)
		}
	}()

	if err := e.removeBreakpoint(bp); err != nil {
		return false, err
	}
	delete(e.symbols, symbol)

	if pr, ok := e.pages[bp.pageFrame]; ok && len(pr.Children) == 0 {
		if err := e.destroyPageRecordLocked(pr); err != nil {
			return true, err
		}
	}
	return true, nil
}

// AttachAll implements §4.6's batch form: attach every entry in syms up to
// the first entry with an empty Name, skipping symbols that fail
// translation, and return the count that succeeded. Any other error stops
// the batch and is returned with the count attached so far.
func (e *EngineState) AttachAll(syms []SymbolCallback) (int, error) {
	n := 0
	for _, s := range syms {
		if s.Name == "" {
			break
		}
		ok, err := e.Attach(s.Name, s.CallCallback, s.ReturnCallback, s.UserData)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}
